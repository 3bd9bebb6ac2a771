package local

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps local records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func key(collection, id string) string {
	return collection + "/" + id
}

func copyRecord(r Record) Record {
	r.Data = r.Data.Clone()
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		r.SyncedAt = &t
	}
	return r
}

// Get loads one record.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key(collection, id)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return copyRecord(r), nil
}

// Save replaces the record.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(rec.Collection, rec.ID)] = copyRecord(rec)
	return nil
}

// QueryUnsynced returns unsynced records, oldest change first.
func (s *MemoryStore) QueryUnsynced(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if !r.Synced() {
			out = append(out, copyRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return key(out[i].Collection, out[i].ID) < key(out[j].Collection, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSynced stamps the record's sync time.
func (s *MemoryStore) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(collection, id)
	r, ok := s.records[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	at = at.UTC()
	r.SyncedAt = &at
	s.records[k] = r
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
