package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Fault decides whether a write should fail before it reaches the store.
// Returning nil lets the write proceed.
type Fault func(op Op, req Request) error

type memDoc struct {
	data      types.Payload
	deleted   bool
	updatedAt time.Time
	rev       int
}

// MemoryStore is an in-process remote store with fault injection and
// simulated latency, for tests and load runs.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]*memDoc
	clock   clock.Clock
	fault   Fault
	latency time.Duration
	calls   map[Op]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*memDoc),
		clock: clock.OrReal(c),
		calls: make(map[Op]int),
	}
}

// SetFault installs f; nil removes it.
func (m *MemoryStore) SetFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// FailIDs returns a Fault failing every write to the given record ids with err.
func FailIDs(err error, ids ...string) Fault {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(op Op, req Request) error {
		if set[req.ID] {
			return err
		}
		return nil
	}
}

// FailTimes returns a Fault failing the first n writes to id with err.
func FailTimes(err error, id string, n int) Fault {
	var mu sync.Mutex
	left := n
	return func(op Op, req Request) error {
		if req.ID != id {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if left > 0 {
			left--
			return err
		}
		return nil
	}
}

// SetLatency delays every call by d.
func (m *MemoryStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Seed stores a version directly, as if another client had written it.
func (m *MemoryStore) Seed(collection, id string, data types.Payload, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := docKey(collection, id)
	rev := 1
	if d, ok := m.docs[k]; ok {
		rev = d.rev + 1
	}
	m.docs[k] = &memDoc{data: data.Clone(), deleted: data == nil, updatedAt: updatedAt.UTC(), rev: rev}
}

// Calls reports how many writes of each kind reached the store.
func (m *MemoryStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len counts stored records, tombstones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func docKey(collection, id string) string {
	return collection + ":" + id
}

func (d *memDoc) version() Version {
	if d == nil {
		return Version{}
	}
	ts := d.updatedAt
	v := Version{
		Exists:    true,
		Deleted:   d.deleted,
		Timestamp: &ts,
		Revision:  fmt.Sprintf("%d", d.rev),
	}
	if !d.deleted {
		v.Data = d.data.Clone()
	}
	return v
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, req Request) (Result, error) {
	return m.write(ctx, OpCreate, req)
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, req Request) (Result, error) {
	return m.write(ctx, OpUpdate, req)
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, req Request) (Result, error) {
	return m.write(ctx, OpDelete, req)
}

// Fetch implements Store.
func (m *MemoryStore) Fetch(ctx context.Context, collection, id string) (Version, error) {
	if err := m.wait(ctx); err != nil {
		return Version{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[docKey(collection, id)].version(), nil
}

func (m *MemoryStore) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.latency
	m.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *MemoryStore) write(ctx context.Context, op Op, req Request) (Result, error) {
	if err := m.wait(ctx); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		if err := m.fault(op, req); err != nil {
			return Result{}, err
		}
	}
	m.calls[op]++

	k := docKey(req.Collection, req.ID)
	cur := m.docs[k]
	skip, err := check(op, req, cur.version())
	if err != nil {
		return Result{}, err
	}
	if skip {
		v := cur.version()
		return Result{Revision: v.Revision, Timestamp: derefTime(v.Timestamp)}, nil
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = m.clock.Now()
	}
	next := &memDoc{updatedAt: ts.UTC(), rev: 1}
	if cur != nil {
		next.rev = cur.rev + 1
	}
	if op == OpDelete {
		next.deleted = true
	} else {
		next.data = req.Data.Clone()
		if next.data == nil {
			next.data = types.Payload{}
		}
	}
	m.docs[k] = next
	return Result{Revision: fmt.Sprintf("%d", next.rev), Timestamp: next.updatedAt}, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ Store = (*MemoryStore)(nil)
