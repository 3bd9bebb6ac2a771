// Package types holds the data model shared by the sync engine: queued
// mutation records, the transitions applied to them, and the immutable
// summaries emitted by a sync pass.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultClockSkewTolerance is how far a sync timestamp may run ahead of
// the local clock before it is treated as a violation.
const DefaultClockSkewTolerance = 60 * time.Second

var (
	// ErrBackdated is returned when a sync timestamp precedes the record's creation time.
	ErrBackdated = errors.New("sync timestamp precedes creation time")

	// ErrFutureTimestamp is returned when a sync timestamp is beyond now plus the skew tolerance.
	ErrFutureTimestamp = errors.New("sync timestamp exceeds clock skew tolerance")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Operation is the kind of local write a mutation represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// RecordStatus is the delivery state of a queued mutation.
type RecordStatus string

const (
	// StatusPending records are eligible for the next batch.
	StatusPending RecordStatus = "pending"
	// StatusDeadLetter records exhausted their retries or failed permanently
	// and are held for operator attention.
	StatusDeadLetter RecordStatus = "dead_letter"
	// StatusSynced records were confirmed by the remote store.
	StatusSynced RecordStatus = "synced"
)

// MutationRecord is a pending local change awaiting transmission.
//
// Records are values: state changes go through Apply, which returns a new
// record instead of mutating the caller's copy.
type MutationRecord struct {
	// ===== Identity =====
	ID         string    `json:"id" validate:"required"`
	Operation  Operation `json:"operation" validate:"required,oneof=create update delete"`
	Collection string    `json:"collection" validate:"required"`
	TargetID   string    `json:"target_id" validate:"required"`

	// ===== Content =====
	Payload Payload `json:"payload,omitempty"`

	// ===== Timestamps =====
	CreatedAt     time.Time  `json:"created_at" validate:"required"`
	SyncTimestamp *time.Time `json:"sync_timestamp,omitempty"`

	// ===== Delivery state =====
	RetryCount         int          `json:"retry_count" validate:"gte=0"`
	LastError          string       `json:"last_error,omitempty"`
	Status             RecordStatus `json:"status,omitempty"`
	TimestampViolation bool         `json:"timestamp_violation,omitempty"`
}

// NewMutation builds a pending record with a fresh id.
func NewMutation(op Operation, collection, targetID string, payload Payload, createdAt time.Time) MutationRecord {
	return MutationRecord{
		ID:         uuid.NewString(),
		Operation:  op,
		Collection: collection,
		TargetID:   targetID,
		Payload:    payload,
		CreatedAt:  createdAt.UTC(),
		Status:     StatusPending,
	}
}

// Validate checks the record's required fields.
func (r *MutationRecord) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid mutation %q: %w", r.ID, err)
	}
	return nil
}

// IsDeadLetter reports whether the record is held for manual attention.
func (r MutationRecord) IsDeadLetter() bool {
	return r.Status == StatusDeadLetter
}

// CheckSyncTimestamp enforces the no-backdating invariant: syncTS must not
// precede createdAt and must not exceed now by more than tolerance.
func CheckSyncTimestamp(createdAt, syncTS, now time.Time, tolerance time.Duration) error {
	if syncTS.Before(createdAt) {
		return fmt.Errorf("%w: sync=%s created=%s", ErrBackdated,
			syncTS.Format(time.RFC3339), createdAt.Format(time.RFC3339))
	}
	if syncTS.After(now.Add(tolerance)) {
		return fmt.Errorf("%w: sync=%s now=%s tolerance=%s", ErrFutureTimestamp,
			syncTS.Format(time.RFC3339), now.Format(time.RFC3339), tolerance)
	}
	return nil
}

// StampForSync returns a copy of r carrying now as its sync timestamp.
// A record whose creation time lies ahead of now cannot be stamped without
// backdating, so it is flagged as a timestamp violation instead.
func (r MutationRecord) StampForSync(now time.Time, tolerance time.Duration) MutationRecord {
	ts := now
	r.SyncTimestamp = &ts
	r.TimestampViolation = CheckSyncTimestamp(r.CreatedAt, ts, now, tolerance) != nil
	r.Payload = r.Payload.Clone()
	return r
}

// StampBatch stamps records in queue order with strictly increasing sync
// timestamps starting at now, one nanosecond apart, so that two mutations
// of the same record never carry the same time.
func StampBatch(records []MutationRecord, now time.Time, tolerance time.Duration) []MutationRecord {
	out := make([]MutationRecord, len(records))
	for i, r := range records {
		out[i] = r.StampForSync(now.Add(time.Duration(i)), tolerance)
	}
	return out
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Success bool
	// Permanent marks a failure that must never be retried.
	Permanent bool
	Error     string
}

// Apply is the record state transition: it returns the record as it stands
// after outcome o, given a retry ceiling of maxRetries.
//
// Successful delivery marks the record synced. A failure increments the
// retry count and keeps the error; reaching the ceiling or failing
// permanently moves the record to the dead-letter state.
func Apply(r MutationRecord, o Outcome, maxRetries int) MutationRecord {
	r.Payload = r.Payload.Clone()
	if o.Success {
		r.Status = StatusSynced
		r.LastError = ""
		return r
	}

	r.RetryCount++
	r.LastError = o.Error
	if o.Permanent || (maxRetries > 0 && r.RetryCount >= maxRetries) {
		r.Status = StatusDeadLetter
	} else {
		r.Status = StatusPending
	}
	return r
}
