package retry

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies a failure by how the engine must react to it.
//
// Collaborators attach a kind at the boundary with WithKind so callers never
// inspect error strings. Classify falls back to message matching only for
// errors that arrive without a kind.
type ErrorKind int

const (
	// KindUnknown errors carry no classification.
	KindUnknown ErrorKind = iota
	// KindTransient errors (network, timeout, rate limit, unavailable) are retried.
	KindTransient
	// KindPermanent errors (auth, permission, not found, invalid argument,
	// structural mismatch) are never retried.
	KindPermanent
	// KindConflict signals a concurrent modification on the remote side.
	// It is routed to conflict detection, not retried as a transport error.
	KindConflict
	// KindInvariant signals a violated engine invariant such as a backdated
	// sync timestamp.
	KindInvariant
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Common errors for collaborators that have no richer error of their own.
var (
	ErrUnavailable     = WithKind(KindTransient, errors.New("service unavailable"))
	ErrRateLimited     = WithKind(KindTransient, errors.New("rate limited"))
	ErrUnauthorized    = WithKind(KindPermanent, errors.New("unauthorized"))
	ErrPermission      = WithKind(KindPermanent, errors.New("permission denied"))
	ErrNotFound        = WithKind(KindPermanent, errors.New("not found"))
	ErrInvalidArgument = WithKind(KindPermanent, errors.New("invalid argument"))
)

// Error is an error tagged with an ErrorKind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithKind tags err with kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind attached to err, classifying untagged errors by
// message as a last resort.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Classify(err)
}

var (
	permanentMarkers = []string{"unauthorized", "unauthenticated", "permission", "forbidden", "not found", "not-found", "invalid argument", "invalid-argument"}
	transientMarkers = []string{"network", "timeout", "timed out", "connection", "unavailable", "rate limit", "rate-limit", "too many requests", "temporarily"}
)

// Classify maps an untagged error onto a kind. Context deadlines are
// transient; cancellation is permanent so a paused pass stops retrying.
// Permanent markers win over transient ones.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return KindPermanent
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return KindTransient
		}
	}
	return KindUnknown
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsPermanent returns true if retrying err can never help.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindInvariant:
		return true
	default:
		return false
	}
}

// IsConflict returns true if err reports a concurrent modification.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
