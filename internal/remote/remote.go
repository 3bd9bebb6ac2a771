// Package remote is the engine's view of the authoritative record store.
//
// Every write either succeeds, reports a concurrent modification as a
// *ConflictError carrying the remote version, or fails with an error tagged
// with a retry.ErrorKind so the orchestrator never inspects error strings.
//
// Deletes are soft: the remote keeps a tombstone so a later conflict can
// tell "deleted remotely" apart from "never existed".
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// ErrConflict is the kind-tagged error every ConflictError unwraps to.
var ErrConflict = retry.WithKind(retry.KindConflict, errors.New("concurrent modification"))

// Request is one write against the remote store.
type Request struct {
	Collection string
	ID         string
	Data       types.Payload

	// Since is when the local change was made. A remote version modified
	// after it is treated as a concurrent modification.
	Since time.Time

	// Timestamp is recorded as the remote modification time. Zero uses the
	// store's clock.
	Timestamp time.Time

	// Conditional writes apply only when the remote revision still equals
	// Revision ("" meaning the record is absent). They are used to apply a
	// conflict resolution on top of the version it was computed from.
	Conditional bool
	Revision    string
}

// Result describes a successful write.
type Result struct {
	Revision  string
	Timestamp time.Time
}

// Version is the remote state of one record.
type Version struct {
	Data      types.Payload
	Exists    bool
	Deleted   bool
	Timestamp *time.Time
	Revision  string
}

// ConflictError reports a concurrent modification along with the remote
// version that caused it.
type ConflictError struct {
	Collection string
	ID         string
	Remote     Version
}

func (e *ConflictError) Error() string {
	state := "modified"
	switch {
	case !e.Remote.Exists:
		state = "absent"
	case e.Remote.Deleted:
		state = "deleted"
	}
	return fmt.Sprintf("concurrent modification of %s/%s (remote %s)", e.Collection, e.ID, state)
}

// Unwrap lets retry.KindOf see KindConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Store is the remote record store.
type Store interface {
	Create(ctx context.Context, req Request) (Result, error)
	Update(ctx context.Context, req Request) (Result, error)
	Delete(ctx context.Context, req Request) (Result, error)
	Fetch(ctx context.Context, collection, id string) (Version, error)
}

// Op names a write operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Send dispatches a mutation-shaped write to the matching Store method.
func Send(ctx context.Context, s Store, op types.Operation, req Request) (Result, error) {
	switch op {
	case types.OpCreate:
		return s.Create(ctx, req)
	case types.OpUpdate:
		return s.Update(ctx, req)
	case types.OpDelete:
		return s.Delete(ctx, req)
	default:
		return Result{}, retry.WithKind(retry.KindPermanent, fmt.Errorf("invalid argument: unknown operation %q", op))
	}
}

// check decides whether a write may proceed against the current version.
// It implements the conflict rules shared by every Store.
func check(op Op, req Request, cur Version) (skip bool, err error) {
	conflict := func() error {
		return &ConflictError{Collection: req.Collection, ID: req.ID, Remote: cur}
	}

	if req.Conditional {
		if cur.Revision != req.Revision {
			return false, conflict()
		}
		return false, nil
	}

	modifiedSince := cur.Timestamp != nil && !req.Since.IsZero() && cur.Timestamp.After(req.Since)

	switch op {
	case OpCreate:
		if cur.Exists {
			return false, conflict()
		}
	case OpUpdate:
		if !cur.Exists || cur.Deleted || modifiedSince {
			return false, conflict()
		}
	case OpDelete:
		if !cur.Exists || cur.Deleted {
			return true, nil
		}
		if modifiedSince {
			return false, conflict()
		}
	}
	return false, nil
}
