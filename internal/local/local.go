// Package local is the client's own copy of each record. The sync engine
// reads and writes it through Store only, so any storage engine that can
// answer these queries will do.
package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

// ErrNotFound is returned when the record does not exist locally.
var ErrNotFound = errors.New("local record not found")

// Record is the local version of a record.
type Record struct {
	Collection string        `json:"collection"`
	ID         string        `json:"id"`
	Data       types.Payload `json:"data"`
	Deleted    bool          `json:"deleted,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
	SyncedAt   *time.Time    `json:"synced_at,omitempty"`
}

// Synced reports whether the record has reached the remote store since its
// last local change.
func (r Record) Synced() bool {
	return r.SyncedAt != nil && !r.SyncedAt.Before(r.UpdatedAt)
}

// Store is the local record store.
type Store interface {
	Get(ctx context.Context, collection, id string) (Record, error)

	// Save writes rec as given, replacing any previous version.
	Save(ctx context.Context, rec Record) error

	// QueryUnsynced returns up to limit records changed since their last
	// sync, oldest change first. limit <= 0 means no limit.
	QueryUnsynced(ctx context.Context, limit int) ([]Record, error)

	MarkSynced(ctx context.Context, collection, id string, at time.Time) error
}

// Journal applies local writes: it updates the local copy and queues the
// mutation that will carry the change to the remote store.
type Journal struct {
	store Store
	queue queue.Store
	clock clock.Clock
}

// NewJournal creates a Journal.
func NewJournal(store Store, q queue.Store, c clock.Clock) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	return &Journal{store: store, queue: q, clock: clock.OrReal(c)}, nil
}

// Write records a create, update or delete of collection/id.
func (j *Journal) Write(ctx context.Context, op types.Operation, collection, id string, payload types.Payload) (types.MutationRecord, error) {
	if !op.Valid() {
		return types.MutationRecord{}, fmt.Errorf("invalid operation %q", op)
	}
	now := j.clock.Now()

	rec := Record{
		Collection: collection,
		ID:         id,
		Data:       payload.Clone(),
		Deleted:    op == types.OpDelete,
		UpdatedAt:  now,
	}
	if rec.Deleted {
		rec.Data = nil
		if prev, err := j.store.Get(ctx, collection, id); err == nil {
			rec.Data = prev.Data
		}
	}

	m := types.NewMutation(op, collection, id, payload, now)
	if err := m.Validate(); err != nil {
		return types.MutationRecord{}, err
	}
	if err := j.store.Save(ctx, rec); err != nil {
		return types.MutationRecord{}, fmt.Errorf("failed to save local record %s/%s: %w", collection, id, err)
	}
	if err := j.queue.Enqueue(ctx, m); err != nil {
		return types.MutationRecord{}, fmt.Errorf("failed to queue mutation for %s/%s: %w", collection, id, err)
	}
	return m, nil
}
