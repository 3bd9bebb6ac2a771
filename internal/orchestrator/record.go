package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/local"
	"github.com/steveyegge/fieldsync/internal/remote"
	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/types"
)

type outcomeKind int

const (
	outcomeSynced outcomeKind = iota
	outcomeFailed
	outcomeDeferred
	outcomeManual
	// outcomeHeld leaves the record pending behind an earlier mutation of
	// the same target.
	outcomeHeld
	// outcomeSkipped leaves the record pending; it was interrupted.
	outcomeSkipped
)

type recordOutcome struct {
	kind outcomeKind
	err  *types.SyncError
	// revision is the remote revision left by a synced record.
	revision string
}

// processRecord sends one record and settles it in the queue. The returned
// error is reserved for failures that must stop the pass.
func (o *Orchestrator) processRecord(ctx context.Context, p *pass, rec types.MutationRecord) (recordOutcome, error) {
	if rec.TimestampViolation {
		return o.routeViolation(ctx, p, rec)
	}

	req := remote.Request{
		Collection: rec.Collection,
		ID:         rec.TargetID,
		Data:       rec.Payload,
		Since:      rec.CreatedAt,
		Timestamp:  syncTime(rec),
	}
	if rev, ok := p.revision(targetKey(rec)); ok {
		// This pass already wrote the target; only someone else's write
		// since then is a conflict.
		req.Conditional = true
		req.Revision = rev
	}
	sent, err := retry.Do(ctx, o.retryOptions(p, rec), func(ctx context.Context) (remote.Result, error) {
		return remote.Send(ctx, o.deps.Remote, rec.Operation, req)
	})
	if err == nil {
		return o.settleSynced(ctx, p, rec, nil, sent.Revision)
	}

	if ce, ok := remote.AsConflict(err); ok {
		return o.handleConflict(ctx, p, rec, ce.Remote)
	}
	return o.settleFailure(ctx, p, rec, err)
}

// retryOptions adds per-record telemetry to the configured options and
// makes backoff waits end early when the sync type is paused.
func (o *Orchestrator) retryOptions(p *pass, rec types.MutationRecord) retry.Options {
	opts := o.config.Retry
	sleep := opts.Sleep
	if sleep == nil {
		sleep = retry.SleepContext
	}
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		if p.halted() {
			return errPauseRequested
		}
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-p.halt:
				cancel(errPauseRequested)
			case <-stop:
			}
		}()
		if err := sleep(ctx, d); err != nil {
			if errors.Is(context.Cause(ctx), errPauseRequested) {
				return errPauseRequested
			}
			return err
		}
		return nil
	}

	userOnRetry := opts.OnRetry
	opts.OnRetry = func(attempt int, err error) {
		o.event(telemetry.LevelDebug, "retry", p.cp.ID, err.Error(), map[string]any{
			"recordId": rec.ID,
			"attempt":  attempt,
		})
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
	}
	return opts
}

// routeViolation sends a record whose sync timestamp breaks the
// no-backdating rule to manual resolution.
func (o *Orchestrator) routeViolation(ctx context.Context, p *pass, rec types.MutationRecord) (recordOutcome, error) {
	data := rec.Payload
	if data == nil {
		data = types.Payload{}
	}
	createdAt := rec.CreatedAt
	c := o.detector.Detect(conflict.Input{
		RecordID:       rec.TargetID,
		Collection:     rec.Collection,
		Local:          conflict.Side{Data: data, Exists: true, Timestamp: rec.SyncTimestamp},
		LocalCreatedAt: &createdAt,
	})
	// Flagged when stamped; the clock may have moved since.
	c.Type = conflict.TypeTimestampViolation
	msg := fmt.Sprintf("sync timestamp violates creation time %s", rec.CreatedAt.Format(time.RFC3339))
	o.config.Logger.Printf("%s: record %s: %s", p.syncType, rec.ID, msg)
	o.event(telemetry.LevelError, "timestamp", p.cp.ID, msg, map[string]any{
		"recordId":   rec.ID,
		"collection": rec.Collection,
		"targetId":   rec.TargetID,
	})
	return o.settleManual(ctx, p, rec, c, o.deps.Resolver.Resolve(c), types.CodeTimestampViolation, msg)
}

// handleConflict classifies a rejected write against the remote version
// and either applies the resolution or hands the conflict to an operator.
func (o *Orchestrator) handleConflict(ctx context.Context, p *pass, rec types.MutationRecord, rv remote.Version) (recordOutcome, error) {
	createdAt := rec.CreatedAt
	in := conflict.Input{
		RecordID:       rec.TargetID,
		Collection:     rec.Collection,
		Local:          localSide(rec),
		Remote:         remoteSide(rv),
		LocalCreatedAt: &createdAt,
	}
	c := o.detector.Detect(in)

	if c.Type == conflict.TypeNone {
		// The remote already holds what we were sending.
		return o.settleSynced(ctx, p, rec, nil, rv.Revision)
	}

	res := o.deps.Resolver.Resolve(c)
	o.event(telemetry.LevelInfo, "conflict", p.cp.ID, fmt.Sprintf("%s conflict on %s/%s", c.Type, rec.Collection, rec.TargetID),
		map[string]any{
			"recordId":          rec.ID,
			"type":              string(c.Type),
			"strategy":          string(res.Strategy),
			"resolved":          res.WasResolved,
			"conflictingFields": c.ConflictingFields,
		})

	if !res.WasResolved {
		return o.settleManual(ctx, p, rec, c, res, types.CodeManualResolution, res.ErrorMessage)
	}

	applied, err := retry.Do(ctx, o.retryOptions(p, rec), func(ctx context.Context) (remote.Result, error) {
		return o.applyResolution(ctx, rec, rv, res)
	})
	if err != nil {
		if _, ok := remote.AsConflict(err); ok {
			// The remote moved again; try the record in a later pass.
			err = retry.WithKind(retry.KindTransient, err)
		}
		return o.settleFailure(ctx, p, rec, err)
	}
	return o.settleSynced(ctx, p, rec, &res, applied.Revision)
}

// applyResolution writes the resolved value conditionally on the remote
// revision the conflict was computed from.
func (o *Orchestrator) applyResolution(ctx context.Context, rec types.MutationRecord, rv remote.Version, res conflict.Result) (remote.Result, error) {
	req := remote.Request{
		Collection:  rec.Collection,
		ID:          rec.TargetID,
		Data:        res.ResolvedData,
		Timestamp:   syncTime(rec),
		Conditional: true,
		Revision:    rv.Revision,
	}
	remoteLive := rv.Exists && !rv.Deleted

	switch {
	case res.Deleted:
		if !remoteLive {
			return remote.Result{Revision: rv.Revision}, nil
		}
		return o.deps.Remote.Delete(ctx, req)
	case remoteLive && conflict.Classify(conflict.Input{
		Local:  conflict.Side{Data: res.ResolvedData, Exists: true},
		Remote: conflict.Side{Data: rv.Data, Exists: true},
	}) == conflict.TypeNone:
		return remote.Result{Revision: rv.Revision}, nil
	case !rv.Exists:
		return o.deps.Remote.Create(ctx, req)
	default:
		return o.deps.Remote.Update(ctx, req)
	}
}

// settleSynced marks the record synced and updates the local copy. When a
// resolution was applied, the resolved value replaces the local copy.
// revision is what the remote holds for the target afterwards.
func (o *Orchestrator) settleSynced(ctx context.Context, p *pass, rec types.MutationRecord, res *conflict.Result, revision string) (recordOutcome, error) {
	now := o.config.Clock.Now()

	if o.deps.Local != nil {
		var err error
		if res != nil {
			err = o.deps.Local.Save(ctx, local.Record{
				Collection: rec.Collection,
				ID:         rec.TargetID,
				Data:       res.ResolvedData.Clone(),
				Deleted:    res.Deleted,
				UpdatedAt:  syncTime(rec),
				SyncedAt:   &now,
			})
		} else {
			err = o.deps.Local.MarkSynced(ctx, rec.Collection, rec.TargetID, now)
			if errors.Is(err, local.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return o.skipped(p, rec, ctx.Err()), nil
			}
			msg := fmt.Sprintf("local store: %v", err)
			return o.markFailed(ctx, p, rec, types.Outcome{Error: msg}, types.CodeLocalStore, msg)
		}
	}

	if _, err := o.deps.Queue.MarkOutcome(context.WithoutCancel(ctx), rec.ID, types.Outcome{Success: true}); err != nil {
		return recordOutcome{}, fmt.Errorf("failed to mark %s synced: %w", rec.ID, err)
	}
	return recordOutcome{kind: outcomeSynced, revision: revision}, nil
}

// settleManual stores the conflict for an operator and dead-letters the
// record so it stays visible.
func (o *Orchestrator) settleManual(ctx context.Context, p *pass, rec types.MutationRecord, c conflict.DataConflict, res conflict.Result, code, msg string) (recordOutcome, error) {
	if msg == "" {
		msg = fmt.Sprintf("%s conflict requires manual resolution", c.Type)
	}
	if o.deps.Manual != nil {
		if err := o.deps.Manual.Put(context.WithoutCancel(ctx), rec.ID, c, res); err != nil {
			o.config.Logger.Printf("%s: failed to store conflict for %s: %v", p.syncType, rec.ID, err)
			o.event(telemetry.LevelError, "conflict", p.cp.ID, fmt.Sprintf("failed to store conflict: %v", err),
				map[string]any{"recordId": rec.ID})
		}
	}

	if _, err := o.deps.Queue.MarkOutcome(context.WithoutCancel(ctx), rec.ID, types.Outcome{Permanent: true, Error: msg}); err != nil {
		return recordOutcome{}, fmt.Errorf("failed to dead-letter %s: %w", rec.ID, err)
	}
	return recordOutcome{kind: outcomeManual, err: o.syncError(rec, code, msg)}, nil
}

// settleFailure classifies a send failure.
func (o *Orchestrator) settleFailure(ctx context.Context, p *pass, rec types.MutationRecord, err error) (recordOutcome, error) {
	if errors.Is(err, errPauseRequested) {
		return o.skipped(p, rec, errPauseRequested), nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return o.skipped(p, rec, err), nil
	}

	msg := err.Error()
	if retry.IsPermanent(err) || retry.KindOf(err) == retry.KindInvariant {
		o.event(telemetry.LevelError, "send", p.cp.ID, msg, map[string]any{"recordId": rec.ID, "kind": "permanent"})
		return o.markFailed(ctx, p, rec, types.Outcome{Permanent: true, Error: msg}, types.CodePermanent, msg)
	}

	o.event(telemetry.LevelWarning, "send", p.cp.ID, msg, map[string]any{"recordId": rec.ID, "kind": retry.Classify(err).String()})
	return o.markFailed(ctx, p, rec, types.Outcome{Error: msg}, types.CodeDeferred, msg)
}

// markFailed applies a failed outcome. A non-permanent failure that pushes
// the record to the dead-letter state counts as retries exhausted;
// otherwise the record stays pending and is deferred.
func (o *Orchestrator) markFailed(ctx context.Context, p *pass, rec types.MutationRecord, outcome types.Outcome, code, msg string) (recordOutcome, error) {
	after, err := o.deps.Queue.MarkOutcome(context.WithoutCancel(ctx), rec.ID, outcome)
	if err != nil {
		return recordOutcome{}, fmt.Errorf("failed to record failure of %s: %w", rec.ID, err)
	}

	switch {
	case outcome.Permanent:
		return recordOutcome{kind: outcomeFailed, err: o.syncError(rec, code, msg)}, nil
	case after.IsDeadLetter():
		o.config.Logger.Printf("%s: record %s dead-lettered after %d attempts: %s", p.syncType, rec.ID, after.RetryCount, msg)
		return recordOutcome{kind: outcomeFailed, err: o.syncError(rec, types.CodeRetriesExhausted, msg)}, nil
	default:
		return recordOutcome{kind: outcomeDeferred, err: o.syncError(rec, code, msg)}, nil
	}
}

// hold leaves rec pending because an earlier mutation of the same record
// did not sync in this pass.
func (o *Orchestrator) hold(p *pass, rec types.MutationRecord) recordOutcome {
	msg := fmt.Sprintf("held behind an earlier mutation of %s/%s", rec.Collection, rec.TargetID)
	o.event(telemetry.LevelInfo, "send", p.cp.ID, msg, map[string]any{"recordId": rec.ID})
	return recordOutcome{kind: outcomeHeld, err: o.syncError(rec, types.CodeHeld, msg)}
}

func (o *Orchestrator) skipped(p *pass, rec types.MutationRecord, err error) recordOutcome {
	o.event(telemetry.LevelDebug, "send", p.cp.ID, "record skipped: "+err.Error(), map[string]any{"recordId": rec.ID})
	return recordOutcome{kind: outcomeSkipped, err: o.syncError(rec, types.CodeCanceled, err.Error())}
}

func (o *Orchestrator) syncError(rec types.MutationRecord, code, msg string) *types.SyncError {
	return &types.SyncError{
		RecordID:     rec.ID,
		ErrorMessage: msg,
		ErrorCode:    code,
		Timestamp:    o.config.Clock.Now(),
		RecordType:   rec.Collection,
	}
}

func syncTime(rec types.MutationRecord) time.Time {
	if rec.SyncTimestamp != nil {
		return *rec.SyncTimestamp
	}
	return rec.CreatedAt
}

func localSide(rec types.MutationRecord) conflict.Side {
	side := conflict.Side{Exists: true, Timestamp: rec.SyncTimestamp}
	if rec.Operation != types.OpDelete {
		side.Data = rec.Payload
		if side.Data == nil {
			side.Data = types.Payload{}
		}
	}
	return side
}

func remoteSide(v remote.Version) conflict.Side {
	side := conflict.Side{Exists: v.Exists, Timestamp: v.Timestamp}
	if v.Exists && !v.Deleted {
		side.Data = v.Data
		if side.Data == nil {
			side.Data = types.Payload{}
		}
	}
	return side
}
