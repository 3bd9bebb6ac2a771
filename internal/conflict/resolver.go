package conflict

import (
	"fmt"
	"strings"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Resolver applies resolution strategies under a Policy.
//
// Thread-safety: a Resolver is immutable and safe for concurrent use.
type Resolver struct {
	policy Policy
	clock  clock.Clock
}

// NewResolver creates a resolver for policy.
func NewResolver(policy Policy, c clock.Clock) *Resolver {
	return &Resolver{policy: policy, clock: clock.OrReal(c)}
}

// Policy returns the resolver's policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve applies the policy's strategy for the conflict's collection.
func (r *Resolver) Resolve(c DataConflict) Result {
	return r.ResolveWith(c, r.policy.StrategyFor(c.Collection))
}

// ResolveWith applies strategy s to c.
//
// Conflicts that cannot be auto-resolved, conflicts touching a critical
// field, and smartMerge conflicts with overlapping fields all come back
// unresolved with the manual strategy.
func (r *Resolver) ResolveWith(c DataConflict, s Strategy) Result {
	if !c.CanAutoResolve() {
		return r.unresolved(c, fmt.Sprintf("%v: %s", ErrNotAutoResolvable, c.Type))
	}
	if s == StrategyManual {
		return r.unresolved(c, ErrManualRequired.Error())
	}
	if critical := touched(c.ConflictingFields, r.policy.CriticalFieldsFor(c.Collection)); len(critical) > 0 {
		return r.unresolved(c, fmt.Sprintf("%v: critical fields changed: %s",
			ErrManualRequired, strings.Join(critical, ", ")))
	}
	return r.apply(c, s)
}

// Choose applies an operator's decision. Unlike ResolveWith it accepts
// every conflict type, since a person has reviewed it; manual is not a
// valid choice.
func (r *Resolver) Choose(c DataConflict, s Strategy) (Result, error) {
	if s == StrategyManual {
		return Result{}, fmt.Errorf("%w: choose a side or merge", ErrManualRequired)
	}
	res := r.apply(c, s)
	if !res.WasResolved {
		return Result{}, fmt.Errorf("cannot resolve %s with %s: %s", c.RecordID, s, res.ErrorMessage)
	}
	return res, nil
}

func (r *Resolver) apply(c DataConflict, s Strategy) Result {
	if c.Type == TypeNone {
		if c.LocalData != nil {
			return r.resolved(c, s, c.LocalData)
		}
		return r.resolved(c, s, c.RemoteData)
	}

	switch s {
	case StrategyLocalWins:
		return r.resolved(c, s, c.LocalData)
	case StrategyRemoteWins:
		return r.resolved(c, s, c.RemoteData)
	case StrategyLastWriteWins:
		if localWinsByTime(c) {
			return r.resolved(c, s, c.LocalData)
		}
		return r.resolved(c, s, c.RemoteData)
	case StrategySmartMerge:
		return r.merge(c)
	default:
		return r.unresolved(c, fmt.Sprintf("%v: %q", ErrUnknownStrategy, s))
	}
}

// localWinsByTime picks local only when it is strictly newer or the remote
// timestamp is unknown. Ties go to remote.
func localWinsByTime(c DataConflict) bool {
	if c.IsLocalNewer() {
		return true
	}
	return c.LocalTimestamp != nil && c.RemoteTimestamp == nil
}

func (r *Resolver) merge(c DataConflict) Result {
	if c.LocalData == nil {
		return r.resolved(c, StrategySmartMerge, c.RemoteData)
	}
	if c.RemoteData == nil {
		return r.resolved(c, StrategySmartMerge, c.LocalData)
	}

	overlap := ConflictingFields(c.LocalData, c.RemoteData)
	if len(overlap) > 0 {
		return r.unresolved(c, fmt.Sprintf("smartMerge: overlapping fields %s", strings.Join(overlap, ", ")))
	}

	merged := c.RemoteData.Clone()
	for k, v := range c.LocalData.Clone() {
		merged[k] = v
	}
	return r.resolved(c, StrategySmartMerge, merged)
}

func (r *Resolver) resolved(c DataConflict, s Strategy, data types.Payload) Result {
	res := Result{
		RecordID:             c.RecordID,
		Strategy:             s,
		WasResolved:          true,
		ResolvedAt:           r.clock.Now(),
		OriginalConflictType: c.Type,
	}
	if data == nil {
		res.Deleted = true
		res.ResolvedData = types.Payload{}
	} else {
		res.ResolvedData = data.Clone()
	}
	return res
}

func (r *Resolver) unresolved(c DataConflict, msg string) Result {
	return Result{
		RecordID:             c.RecordID,
		Strategy:             StrategyManual,
		ErrorMessage:         msg,
		ResolvedAt:           r.clock.Now(),
		OriginalConflictType: c.Type,
	}
}

func touched(fields, critical []string) []string {
	if len(fields) == 0 || len(critical) == 0 {
		return nil
	}
	set := make(map[string]bool, len(critical))
	for _, f := range critical {
		set[f] = true
	}
	var out []string
	for _, f := range fields {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}
