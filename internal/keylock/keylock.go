// Package keylock serializes work per key: at most one holder per key at a
// time, while different keys proceed in parallel.
package keylock

import "sync"

// Map hands out per-key mutexes. Entries are reference counted and removed
// once no goroutine holds or waits on them.
//
// The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the caller holds key and returns the matching unlock.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// TryLock acquires key only if nobody holds or waits on it.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	if _, busy := m.locks[key]; busy {
		m.mu.Unlock()
		return nil, false
	}
	e := &entry{refs: 1}
	e.mu.Lock()
	m.locks[key] = e
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}, true
}

// Held reports how many keys currently have holders or waiters.
func (m *Map) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
