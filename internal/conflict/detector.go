package conflict

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Side is one version of a record.
type Side struct {
	// Data is the record body; nil means the side carries no data.
	Data types.Payload

	// Exists reports whether the store knows the record at all. A record
	// can exist without data, e.g. a remote tombstone.
	Exists bool

	// Timestamp is the side's modification time. For the local side this
	// is the sync timestamp assigned at transmission.
	Timestamp *time.Time
}

// Input is everything classification looks at.
type Input struct {
	RecordID   string
	Collection string
	Local      Side
	Remote     Side

	// LocalCreatedAt is when the local mutation was made. A local
	// timestamp before it is a backdating attempt.
	LocalCreatedAt *time.Time

	// Now and Tolerance bound how far the local timestamp may run ahead.
	// A zero Now disables the upper bound.
	Now       time.Time
	Tolerance time.Duration
}

// Classify returns the conflict type for in. It is a pure function of its
// input.
func Classify(in Input) Type {
	hasLocal := in.Local.Data != nil
	hasRemote := in.Remote.Data != nil

	if !hasLocal && !hasRemote {
		return TypeNone
	}

	if hasLocal && timestampViolated(in) {
		return TypeTimestampViolation
	}

	switch {
	case hasLocal && !hasRemote:
		if in.Remote.Exists {
			return TypeLocalOnly
		}
		return TypeLocalExists
	case hasRemote && !hasLocal:
		if in.Local.Exists {
			return TypeRemoteOnly
		}
		return TypeRemoteExists
	}

	if structurallyIncompatible(in.Local.Data, in.Remote.Data) {
		return TypeStructuralMismatch
	}
	if !equalValues(map[string]any(in.Local.Data), map[string]any(in.Remote.Data)) {
		return TypeBothModified
	}
	return TypeNone
}

func timestampViolated(in Input) bool {
	ts := in.Local.Timestamp
	if ts == nil {
		return false
	}
	if in.LocalCreatedAt != nil && ts.Before(*in.LocalCreatedAt) {
		return true
	}
	if !in.Now.IsZero() && ts.After(in.Now.Add(in.Tolerance)) {
		return true
	}
	return false
}

// ConflictingFields lists keys present on both sides whose values differ,
// sorted. Keys present on one side only are not conflicts: a merge can
// carry them over.
func ConflictingFields(local, remote types.Payload) []string {
	var fields []string
	for k, lv := range local {
		rv, ok := remote[k]
		if !ok {
			continue
		}
		if !equalValues(lv, rv) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// Detector builds DataConflicts, stamping ids and detection times.
type Detector struct {
	clock     clock.Clock
	tolerance time.Duration
}

// NewDetector creates a detector. A zero tolerance uses the default clock
// skew tolerance.
func NewDetector(c clock.Clock, tolerance time.Duration) *Detector {
	if tolerance <= 0 {
		tolerance = types.DefaultClockSkewTolerance
	}
	return &Detector{clock: clock.OrReal(c), tolerance: tolerance}
}

// Detect classifies in and returns the conflict record. Now and Tolerance
// are filled from the detector when unset.
func (d *Detector) Detect(in Input) DataConflict {
	now := d.clock.Now()
	if in.Now.IsZero() {
		in.Now = now
	}
	if in.Tolerance <= 0 {
		in.Tolerance = d.tolerance
	}

	return DataConflict{
		ID:                uuid.NewString(),
		RecordID:          in.RecordID,
		Collection:        in.Collection,
		Type:              Classify(in),
		LocalData:         in.Local.Data.Clone(),
		RemoteData:        in.Remote.Data.Clone(),
		LocalTimestamp:    in.Local.Timestamp,
		RemoteTimestamp:   in.Remote.Timestamp,
		DetectedAt:        now,
		ConflictingFields: ConflictingFields(in.Local.Data, in.Remote.Data),
	}
}

// ===== Value comparison =====

type kind int

const (
	kindNull kind = iota
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
	kindOther
)

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case string:
		return kindString
	case json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return kindNumber
	case []any:
		return kindArray
	case map[string]any, types.Payload:
		return kindObject
	default:
		return kindOther
	}
}

// structurallyIncompatible reports whether a field common to both objects
// holds values of different JSON kinds. Null is compatible with anything.
func structurallyIncompatible(a, b map[string]any) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		ak, bk := kindOf(av), kindOf(bv)
		if ak == kindNull || bk == kindNull {
			continue
		}
		if ak != bk {
			return true
		}
		if ak == kindObject && structurallyIncompatible(asMap(av), asMap(bv)) {
			return true
		}
	}
	return false
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case types.Payload:
		return map[string]any(m)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// equalValues compares JSON-like values, treating numbers of any Go type
// as equal when numerically equal.
func equalValues(a, b any) bool {
	ak, bk := kindOf(a), kindOf(b)
	if ak != bk {
		return false
	}
	switch ak {
	case kindNumber:
		af, _ := asFloat(a)
		bf, _ := asFloat(b)
		return af == bf
	case kindObject:
		am, bm := asMap(a), asMap(b)
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalValues(av, bv) {
				return false
			}
		}
		return true
	case kindArray:
		as, bs := a.([]any), b.([]any)
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equalValues(as[i], bs[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
