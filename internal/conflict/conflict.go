// Package conflict classifies the relationship between a local record and
// its remote counterpart and resolves the result according to a policy.
//
// Classification is a pure function of the two sides (data, timestamps and
// presence). Resolution applies one of five strategies; timestampViolation
// and structuralMismatch conflicts are never resolved automatically, and a
// policy may mark critical fields whose conflicts always go to an operator.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fieldsync/internal/types"
)

// Type is the closed set of conflict classifications.
type Type string

const (
	TypeNone               Type = "none"
	TypeLocalOnly          Type = "localOnly"
	TypeRemoteOnly         Type = "remoteOnly"
	TypeBothModified       Type = "bothModified"
	TypeLocalExists        Type = "localExists"
	TypeRemoteExists       Type = "remoteExists"
	TypeTimestampViolation Type = "timestampViolation"
	TypeStructuralMismatch Type = "structuralMismatch"
)

// Strategy names a resolution strategy.
type Strategy string

const (
	StrategyLocalWins     Strategy = "localWins"
	StrategyRemoteWins    Strategy = "remoteWins"
	StrategyLastWriteWins Strategy = "lastWriteWins"
	StrategySmartMerge    Strategy = "smartMerge"
	StrategyManual        Strategy = "manual"
)

var (
	// ErrUnknownStrategy is returned when parsing an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")

	// ErrNotAutoResolvable is reported when a strategy is applied to a
	// conflict type that only an operator may resolve.
	ErrNotAutoResolvable = errors.New("conflict cannot be resolved automatically")

	// ErrManualRequired is reported when the strategy defers to an operator.
	ErrManualRequired = errors.New("manual resolution required")
)

// Strategies lists every strategy in display order.
func Strategies() []Strategy {
	return []Strategy{
		StrategyLastWriteWins,
		StrategyLocalWins,
		StrategyRemoteWins,
		StrategySmartMerge,
		StrategyManual,
	}
}

// ParseStrategy converts a name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// UnmarshalText validates strategy names read from config files.
func (s *Strategy) UnmarshalText(text []byte) error {
	st, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// DataConflict is a detected divergence between the local and remote
// versions of one record.
type DataConflict struct {
	ID                string        `json:"id"`
	RecordID          string        `json:"recordId"`
	Collection        string        `json:"collection"`
	Type              Type          `json:"conflictType"`
	LocalData         types.Payload `json:"localData"`
	RemoteData        types.Payload `json:"remoteData"`
	LocalTimestamp    *time.Time    `json:"localTimestamp"`
	RemoteTimestamp   *time.Time    `json:"remoteTimestamp"`
	DetectedAt        time.Time     `json:"detectedAt"`
	ConflictingFields []string      `json:"conflictingFields"`
}

// CanAutoResolve is false for timestampViolation and structuralMismatch.
func (c DataConflict) CanAutoResolve() bool {
	return c.Type != TypeTimestampViolation && c.Type != TypeStructuralMismatch
}

// IsLocalNewer reports whether both timestamps are known and local is later.
func (c DataConflict) IsLocalNewer() bool {
	return c.LocalTimestamp != nil && c.RemoteTimestamp != nil && c.LocalTimestamp.After(*c.RemoteTimestamp)
}

// IsRemoteNewer reports whether both timestamps are known and remote is later.
func (c DataConflict) IsRemoteNewer() bool {
	return c.LocalTimestamp != nil && c.RemoteTimestamp != nil && c.RemoteTimestamp.After(*c.LocalTimestamp)
}

// HasEqualTimestamps reports whether both timestamps are known and equal.
func (c DataConflict) HasEqualTimestamps() bool {
	return c.LocalTimestamp != nil && c.RemoteTimestamp != nil && c.LocalTimestamp.Equal(*c.RemoteTimestamp)
}

// Result is the outcome of applying a strategy to a conflict.
type Result struct {
	RecordID     string        `json:"recordId"`
	Strategy     Strategy      `json:"strategy"`
	WasResolved  bool          `json:"wasResolved"`
	ResolvedData types.Payload `json:"resolvedData,omitempty"`

	// Deleted means the resolution is the absence of the record.
	Deleted bool `json:"deleted,omitempty"`

	ErrorMessage         string    `json:"errorMessage,omitempty"`
	ResolvedAt           time.Time `json:"resolvedAt"`
	OriginalConflictType Type      `json:"originalConflictType"`
}

// IsSuccess reports whether the conflict was resolved without error.
func (r Result) IsSuccess() bool {
	return r.WasResolved && r.ErrorMessage == ""
}
