package connectivity

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalTransitions(t *testing.T) {
	sig := NewSignal(false, nil)
	events, cancel := sig.Subscribe(4)
	defer cancel()

	assert.False(t, sig.IsConnected())
	assert.False(t, sig.Set(false), "no transition")
	assert.True(t, sig.Set(true))
	assert.True(t, sig.IsConnected())
	assert.True(t, sig.Set(false))

	ev := <-events
	assert.True(t, ev.Online)
	ev = <-events
	assert.False(t, ev.Online)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSignalSlowSubscriberKeepsLatest(t *testing.T) {
	sig := NewSignal(false, nil)
	events, cancel := sig.Subscribe(1)
	defer cancel()

	sig.Set(true)
	sig.Set(false)
	sig.Set(true)

	ev := <-events
	assert.True(t, ev.Online)
}

func TestSignalUnsubscribeClosesChannel(t *testing.T) {
	sig := NewSignal(false, nil)
	events, cancel := sig.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
	assert.True(t, sig.Set(true), "publishing after unsubscribe must not panic")
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := &Probe{Address: ln.Addr().String(), Timeout: time.Second}
	assert.True(t, p.Check(context.Background()))

	down := &Probe{
		Address: "unreachable:1",
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	assert.False(t, down.Check(context.Background()))
}

func TestProbeRunUpdatesSignal(t *testing.T) {
	var up atomic.Bool
	p := &Probe{
		Address:  "remote:5984",
		Interval: 10 * time.Millisecond,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if !up.Load() {
				return nil, errors.New("connection refused")
			}
			c1, c2 := net.Pipe()
			_ = c2.Close()
			return c1, nil
		},
	}

	sig := NewSignal(false, nil)
	events, cancel := sig.Subscribe(4)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, sig) }()

	up.Store(true)

	select {
	case ev := <-events:
		assert.True(t, ev.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition")
	}

	stop()
	require.NoError(t, <-done)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "online")

	sig := NewSignal(false, nil)
	src := &FileSource{Path: flag}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sig) }()

	// Give the watcher a moment to start.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(flag, []byte("1"), 0644))
	require.Eventually(t, sig.IsConnected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(flag))
	require.Eventually(t, func() bool { return !sig.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAlways(t *testing.T) {
	sig := NewSignal(false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Always{}.Run(ctx, sig) }()

	require.Eventually(t, sig.IsConnected, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
