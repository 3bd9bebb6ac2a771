package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/fieldsync/internal/types"
)

// MemoryStore is an in-process Store. It is used by tests and the load
// test driver, and by callers that keep the queue elsewhere.
type MemoryStore struct {
	config *Config

	mu      sync.Mutex
	records map[string]types.MutationRecord
	seq     map[string]int64
	nextSeq int64
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore(config *Config) *MemoryStore {
	return &MemoryStore{
		config:  config.withDefaults(),
		records: make(map[string]types.MutationRecord),
		seq:     make(map[string]int64),
	}
}

// Enqueue implements Store.Enqueue.
func (m *MemoryStore) Enqueue(ctx context.Context, rec types.MutationRecord) error {
	rec = prepare(rec)
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, rec.ID)
	}
	rec.Payload = rec.Payload.Clone()
	m.nextSeq++
	m.records[rec.ID] = rec
	m.seq[rec.ID] = m.nextSeq
	return nil
}

// DequeueBatch implements Store.DequeueBatch.
func (m *MemoryStore) DequeueBatch(ctx context.Context, maxSize int, prepareForSync bool, filter Filter) ([]types.MutationRecord, error) {
	if maxSize < 1 {
		return nil, ErrInvalidBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pendingLocked(filter)
	if len(pending) > maxSize {
		pending = pending[:maxSize]
	}

	if prepareForSync {
		pending = types.StampBatch(pending, m.config.Clock.Now(), m.config.ClockSkewTolerance)
	}
	out := make([]types.MutationRecord, 0, len(pending))
	for _, rec := range pending {
		if prepareForSync {
			m.records[rec.ID] = rec
		}
		rec.Payload = rec.Payload.Clone()
		out = append(out, rec)
	}
	return out, nil
}

// MarkOutcome implements Store.MarkOutcome.
func (m *MemoryStore) MarkOutcome(ctx context.Context, id string, outcome types.Outcome) (types.MutationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return types.MutationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := types.Apply(rec, outcome, m.config.MaxRetries)
	if next.Status == types.StatusSynced {
		delete(m.records, id)
		delete(m.seq, id)
	} else {
		m.records[id] = next
	}
	return next, nil
}

// Get implements Store.Get.
func (m *MemoryStore) Get(ctx context.Context, id string) (types.MutationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return types.MutationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Payload = rec.Payload.Clone()
	return rec, nil
}

// PendingCount implements Store.PendingCount.
func (m *MemoryStore) PendingCount(ctx context.Context, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingLocked(filter)), nil
}

// DeadLetters implements Store.DeadLetters.
func (m *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]types.MutationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.MutationRecord
	for _, rec := range m.sortedLocked() {
		if rec.IsDeadLetter() {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue implements Store.Requeue.
func (m *MemoryStore) Requeue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !rec.IsDeadLetter() {
		return fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	rec.Status = types.StatusPending
	rec.RetryCount = 0
	rec.LastError = ""
	rec.SyncTimestamp = nil
	rec.TimestampViolation = false
	m.records[id] = rec
	return nil
}

// Discard implements Store.Discard.
func (m *MemoryStore) Discard(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !rec.IsDeadLetter() {
		return fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	delete(m.records, id)
	delete(m.seq, id)
	return nil
}

// Stats implements Store.Stats.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{ByCollection: make(map[string]int)}
	for _, rec := range m.records {
		if rec.IsDeadLetter() {
			stats.DeadLetter++
		} else {
			stats.Pending++
		}
		stats.ByCollection[rec.Collection]++
	}
	return stats, nil
}

func (m *MemoryStore) pendingLocked(filter Filter) []types.MutationRecord {
	collections := toSet(filter.Collections)
	excluded := toSet(filter.ExcludeIDs)

	var out []types.MutationRecord
	for _, rec := range m.sortedLocked() {
		if rec.Status != types.StatusPending {
			continue
		}
		if len(collections) > 0 && !collections[rec.Collection] {
			continue
		}
		if excluded[rec.ID] {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (m *MemoryStore) sortedLocked() []types.MutationRecord {
	out := make([]types.MutationRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

var _ Store = (*MemoryStore)(nil)
