// Package connectivity reports whether the remote store is reachable.
//
// A Signal holds the current online/offline state and fans transitions out
// to subscribers. Sources drive the signal: a TCP probe that polls the
// remote address, or a flag file whose presence means "online" (handy for
// field devices whose connectivity is managed by another process).
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/steveyegge/fieldsync/internal/clock"
)

// Event is a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Signal is the current connectivity state plus a transition stream.
//
// Thread-safety: all methods are safe for concurrent use.
type Signal struct {
	mu     sync.Mutex
	online bool
	clock  clock.Clock
	subs   map[int]chan Event
	nextID int
}

// NewSignal creates a signal in the given initial state.
func NewSignal(online bool, c clock.Clock) *Signal {
	return &Signal{
		online: online,
		clock:  clock.OrReal(c),
		subs:   make(map[int]chan Event),
	}
}

// IsConnected reports the current state.
func (s *Signal) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers if it changed. It returns
// whether a transition happened.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	ev := Event{Online: online, At: s.clock.Now()}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop its oldest event so the latest state wins.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel func that
// unsubscribes and closes the channel.
func (s *Signal) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Source drives a Signal until ctx is done.
type Source interface {
	Run(ctx context.Context, sig *Signal) error
}

// Always is a Source that reports online once and then idles.
type Always struct{}

// Run implements Source.
func (Always) Run(ctx context.Context, sig *Signal) error {
	sig.Set(true)
	<-ctx.Done()
	return nil
}
