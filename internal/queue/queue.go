// Package queue implements the sync queue: the durable list of local
// mutations waiting to reach the remote store.
//
// Records leave the queue in one of two ways. Confirmed remote success
// deletes them. Exhausted retries or a permanent failure move them to the
// dead-letter state, where they stay visible to queries but are never
// returned by DequeueBatch until an operator requeues them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// DefaultMaxRetries is the retry ceiling after which a record is dead-lettered.
const DefaultMaxRetries = 5

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("mutation not found")

	// ErrAlreadyQueued is returned when a record with the same id is already queued.
	ErrAlreadyQueued = errors.New("mutation already queued")

	// ErrInvalidBatchSize is returned when DequeueBatch is called with maxSize < 1.
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")

	// ErrNotDeadLetter is returned when requeueing a record that is still pending.
	ErrNotDeadLetter = errors.New("mutation is not dead-lettered")
)

// Filter narrows which pending records DequeueBatch considers.
type Filter struct {
	// Collections limits the batch to these collections (empty = all).
	Collections []string

	// ExcludeIDs skips records already attempted in the current pass.
	ExcludeIDs []string
}

// Stats summarizes queue contents.
type Stats struct {
	Pending      int            `json:"pending"`
	DeadLetter   int            `json:"dead_letter"`
	ByCollection map[string]int `json:"by_collection"`
}

// Store holds pending mutation records.
type Store interface {
	// Enqueue adds a record. The record is validated first.
	Enqueue(ctx context.Context, rec types.MutationRecord) error

	// DequeueBatch returns at most maxSize pending records, oldest first.
	// Records stay queued until MarkOutcome settles them. With
	// prepareForSync set, each returned record is stamped with the current
	// time as its sync timestamp.
	DequeueBatch(ctx context.Context, maxSize int, prepareForSync bool, filter Filter) ([]types.MutationRecord, error)

	// MarkOutcome applies the delivery outcome for id and returns the
	// record as it stands afterwards.
	MarkOutcome(ctx context.Context, id string, outcome types.Outcome) (types.MutationRecord, error)

	// Get returns a queued record by id.
	Get(ctx context.Context, id string) (types.MutationRecord, error)

	// PendingCount counts records eligible for processing.
	PendingCount(ctx context.Context, filter Filter) (int, error)

	// DeadLetters lists records held for manual attention, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]types.MutationRecord, error)

	// Requeue returns a dead-lettered record to the pending state with a
	// fresh retry budget.
	Requeue(ctx context.Context, id string) error

	// Discard removes a dead-lettered record, e.g. once a newer mutation
	// supersedes it.
	Discard(ctx context.Context, id string) error

	// Stats summarizes the queue.
	Stats(ctx context.Context) (Stats, error)
}

// Config configures queue stores.
type Config struct {
	// MaxRetries is the dead-letter ceiling (default: DefaultMaxRetries).
	MaxRetries int

	// ClockSkewTolerance bounds how far ahead of now a sync timestamp may be.
	ClockSkewTolerance time.Duration

	// Clock stamps sync timestamps (default: real clock).
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:         DefaultMaxRetries,
		ClockSkewTolerance: types.DefaultClockSkewTolerance,
		Clock:              clock.Real{},
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.ClockSkewTolerance <= 0 {
		out.ClockSkewTolerance = types.DefaultClockSkewTolerance
	}
	out.Clock = clock.OrReal(out.Clock)
	return &out
}

func prepare(rec types.MutationRecord) types.MutationRecord {
	if rec.Status == "" {
		rec.Status = types.StatusPending
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec
}
