package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Sync context keys persisted in the checkpoint.
const (
	ctxCollections  = "collections"
	ctxDeferredIDs  = "deferredIds"
	ctxManualIDs    = "manualIds"
	ctxSuccessCount = "successCount"
	ctxFailureCount = "failureCount"
	ctxManualCount  = "manualCount"
	ctxSkippedCount = "skippedCount"
	ctxHeldIDs      = "heldIds"
	ctxBlocked      = "blockedTargets"
	ctxRevisions    = "revisions"
)

// errPauseRequested ends a backoff wait when the sync type is paused.
var errPauseRequested = errors.New("pause requested")

// pass is the in-memory state of one running pass.
type pass struct {
	syncType    string
	collections []string
	cp          checkpoint.Checkpoint
	result      types.SyncResult

	// attempted holds ids that must not be dequeued again in this pass.
	attempted map[string]bool
	deferred  []string
	manual    []string
	held      []string

	// halt is closed when a pause is requested.
	halt <-chan struct{}

	// mu guards revisions and blocked while a batch runs.
	mu sync.Mutex
	// revisions holds the remote revision this pass last wrote per target.
	// A later mutation of the target is written conditionally on it.
	revisions map[string]string
	// blocked holds targets with an earlier mutation that did not sync in
	// this pass. Their later mutations wait for the next pass.
	blocked map[string]bool
}

// targetKey identifies the record a mutation writes.
func targetKey(rec types.MutationRecord) string {
	return rec.Collection + "/" + rec.TargetID
}

func (p *pass) revision(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rev, ok := p.revisions[key]
	return rev, ok
}

func (p *pass) isBlocked(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked[key]
}

// settle records how a target's mutation ended. Skipped mutations are sent
// again in this or a later pass and change nothing.
func (p *pass) settle(key string, out recordOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch out.kind {
	case outcomeSkipped:
	case outcomeSynced:
		if out.revision != "" {
			p.revisions[key] = out.revision
		} else {
			delete(p.revisions, key)
		}
	default:
		p.blocked[key] = true
		delete(p.revisions, key)
	}
}

func (p *pass) halted() bool {
	select {
	case <-p.halt:
		return true
	default:
		return false
	}
}

func (p *pass) exclude() []string {
	ids := make([]string, 0, len(p.attempted))
	for id := range p.attempted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *pass) filter() queue.Filter {
	return queue.Filter{Collections: p.collections, ExcludeIDs: p.exclude()}
}

// Run executes one sync pass for syncType and returns its result.
//
// A pass-level failure (queue or checkpoint store) returns the partial
// result and the error; the checkpoint stays resumable. A pause returns the
// partial result and ErrPaused.
func (o *Orchestrator) Run(ctx context.Context, syncType string) (types.SyncResult, error) {
	if syncType == "" {
		return types.SyncResult{}, fmt.Errorf("sync type cannot be empty")
	}

	unlock, ok := o.running.TryLock(syncType)
	if !ok {
		return types.SyncResult{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, syncType)
	}
	defer unlock()

	if err := o.begin(syncType); err != nil {
		return types.SyncResult{}, err
	}

	p, err := o.start(ctx, syncType)
	if err != nil {
		return o.fail(syncType, p, err), err
	}

	for {
		if o.takePause(syncType) {
			o.config.Logger.Printf("%s paused after batch %d", syncType, p.cp.CurrentBatchNumber)
			o.event(telemetry.LevelInfo, "pause", p.cp.ID, "sync paused",
				map[string]any{"syncType": syncType, "batch": p.cp.CurrentBatchNumber})
			result := o.partial(p)
			result.Paused = true
			o.config.Sink.SyncResult(result)
			o.finish(syncType, StatePaused, p.cp.ID, &result, nil)
			return result, ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return o.fail(syncType, p, err), err
		}

		batch, err := o.deps.Queue.DequeueBatch(ctx, o.config.BatchSize, true, p.filter())
		if err != nil {
			err = fmt.Errorf("failed to dequeue batch: %w", err)
			return o.fail(syncType, p, err), err
		}
		if len(batch) == 0 {
			break
		}

		if err := o.runBatch(ctx, p, batch); err != nil {
			return o.fail(syncType, p, err), err
		}
	}

	if _, err := o.deps.Checkpoints.Complete(ctx, p.cp.ID); err != nil {
		err = fmt.Errorf("failed to complete checkpoint: %w", err)
		return o.fail(syncType, p, err), err
	}

	result := o.partial(p)
	o.config.Sink.SyncResult(result)
	o.config.Logger.Printf("%s complete: %d synced, %d failed, %d manual, %d skipped in %s",
		syncType, result.SuccessCount, result.FailureCount, result.ManualCount, result.SkippedCount, result.Duration())
	o.event(telemetry.LevelInfo, "sync", p.cp.ID, "sync complete", map[string]any{
		"syncType":     syncType,
		"totalRecords": result.TotalRecords,
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
		"manualCount":  result.ManualCount,
		"skippedCount": result.SkippedCount,
	})
	o.finish(syncType, StateIdle, p.cp.ID, &result, nil)
	return result, nil
}

// start resumes the newest incomplete checkpoint for syncType or creates a
// new one.
func (o *Orchestrator) start(ctx context.Context, syncType string) (*pass, error) {
	p := &pass{
		syncType:    syncType,
		collections: o.Collections(syncType),
		attempted:   make(map[string]bool),
		revisions:   make(map[string]string),
		blocked:     make(map[string]bool),
	}
	p.result = types.SyncResult{SyncType: syncType, StartTime: o.config.Clock.Now()}

	existing, err := o.deps.Checkpoints.FindIncompleteSync(ctx, syncType)
	if err != nil {
		return p, fmt.Errorf("failed to look up incomplete sync: %w", err)
	}

	if existing != nil {
		p.cp = *existing
		p.result.Resumed = true
		p.result.CheckpointID = p.cp.ID
		for _, id := range p.cp.FailedRecords {
			p.attempted[id] = true
		}
		p.deferred = contextStrings(p.cp.SyncContext, ctxDeferredIDs)
		p.manual = contextStrings(p.cp.SyncContext, ctxManualIDs)
		for _, id := range p.deferred {
			p.attempted[id] = true
		}
		for _, id := range p.manual {
			p.attempted[id] = true
		}
		p.held = contextStrings(p.cp.SyncContext, ctxHeldIDs)
		for _, id := range p.held {
			p.attempted[id] = true
		}
		for _, key := range contextStrings(p.cp.SyncContext, ctxBlocked) {
			p.blocked[key] = true
		}
		for key, rev := range contextStringMap(p.cp.SyncContext, ctxRevisions) {
			p.revisions[key] = rev
		}
		p.result.SuccessCount = contextInt(p.cp.SyncContext, ctxSuccessCount)
		p.result.FailureCount = contextInt(p.cp.SyncContext, ctxFailureCount)
		p.result.ManualCount = contextInt(p.cp.SyncContext, ctxManualCount)
		p.result.SkippedCount = contextInt(p.cp.SyncContext, ctxSkippedCount)

		pending, err := o.deps.Queue.PendingCount(ctx, p.filter())
		if err != nil {
			return p, fmt.Errorf("failed to count pending records: %w", err)
		}
		if total := p.cp.ProcessedRecords + pending; total != p.cp.TotalRecords {
			p.cp, err = o.deps.Checkpoints.Update(ctx, p.cp.ID, checkpoint.Patch{TotalRecords: checkpoint.Int(total)})
			if err != nil {
				return p, fmt.Errorf("failed to update checkpoint: %w", err)
			}
		}

		o.config.Logger.Printf("%s resuming checkpoint %s at %d/%d records",
			syncType, p.cp.ID, p.cp.ProcessedRecords, p.cp.TotalRecords)
		o.event(telemetry.LevelInfo, "resume", p.cp.ID, "resuming interrupted sync", map[string]any{
			"syncType":         syncType,
			"processedRecords": p.cp.ProcessedRecords,
			"totalRecords":     p.cp.TotalRecords,
		})
		return p, nil
	}

	pending, err := o.deps.Queue.PendingCount(ctx, p.filter())
	if err != nil {
		return p, fmt.Errorf("failed to count pending records: %w", err)
	}
	syncContext := map[string]any{}
	if p.collections != nil {
		syncContext[ctxCollections] = p.collections
	}
	p.cp, err = o.deps.Checkpoints.Create(ctx, syncType, pending, syncContext)
	if err != nil {
		return p, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	p.result.CheckpointID = p.cp.ID

	o.config.Logger.Printf("%s starting checkpoint %s with %d pending records", syncType, p.cp.ID, pending)
	o.event(telemetry.LevelInfo, "start", p.cp.ID, "sync started",
		map[string]any{"syncType": syncType, "totalRecords": pending})
	return p, nil
}

// fail records a pass-level error and returns the partial result, which
// also goes to the sink. The checkpoint keeps its last committed batch and
// is not completed.
func (o *Orchestrator) fail(syncType string, p *pass, err error) types.SyncResult {
	result := o.partial(p)
	result.PassError = err.Error()
	o.config.Sink.SyncResult(result)

	cpID := p.cp.ID
	if errors.Is(err, context.Canceled) {
		o.config.Logger.Printf("%s canceled", syncType)
		o.event(telemetry.LevelWarning, "sync", cpID, "sync canceled", map[string]any{"syncType": syncType})
		o.finish(syncType, StateIdle, cpID, &result, err)
		return result
	}

	o.config.Logger.Printf("%s failed: %v", syncType, err)
	o.event(telemetry.LevelError, "sync", cpID, err.Error(), map[string]any{"syncType": syncType})
	if cpID != "" {
		// Best effort: the store that failed may be the checkpoint store.
		if _, uerr := o.deps.Checkpoints.Update(context.Background(), cpID,
			checkpoint.Patch{LastError: checkpoint.String(err.Error())}); uerr != nil {
			o.config.Logger.Printf("%s: failed to record error on checkpoint %s: %v", syncType, cpID, uerr)
		}
	}
	o.finish(syncType, StateError, cpID, &result, err)
	return result
}

// partial builds the result as it stands.
func (o *Orchestrator) partial(p *pass) types.SyncResult {
	r := p.result
	r.EndTime = o.config.Clock.Now()
	r.TotalRecords = r.SuccessCount + r.FailureCount + r.ManualCount + r.SkippedCount
	r.Errors = append([]types.SyncError(nil), p.result.Errors...)
	return r
}

// runBatch sends one batch and commits it to the checkpoint.
func (o *Orchestrator) runBatch(ctx context.Context, p *pass, batch []types.MutationRecord) error {
	number := p.cp.CurrentBatchNumber + 1
	br := types.BatchSyncResult{
		BatchID:      fmt.Sprintf("%s#%d", p.cp.ID, number),
		BatchNumber:  number,
		SyncType:     p.syncType,
		TotalRecords: len(batch),
		FailedIDs:    make(map[string]string),
		StartTime:    o.config.Clock.Now(),
	}

	p.halt = o.haltSignal(p.syncType)

	// Targets run concurrently; the mutations of one target run in queue
	// order, each only after the previous one synced.
	outcomes := make([]recordOutcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.RecordConcurrency)
	for _, group := range groupByTarget(batch) {
		g.Go(func() error {
			for _, i := range group {
				rec := batch[i]
				key := targetKey(rec)
				switch {
				case p.halted():
					outcomes[i] = o.skipped(p, rec, errPauseRequested)
					continue
				case gctx.Err() != nil:
					outcomes[i] = o.skipped(p, rec, gctx.Err())
					continue
				case p.isBlocked(key):
					outcomes[i] = o.hold(p, rec)
					continue
				}

				out, err := o.processRecord(gctx, p, rec)
				if err != nil {
					return err
				}
				outcomes[i] = out
				p.settle(key, out)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var (
		accounted int
		failed    []string
	)
	for i, out := range outcomes {
		rec := batch[i]
		if out.kind != outcomeSkipped {
			accounted++
			p.attempted[rec.ID] = true
		}
		switch out.kind {
		case outcomeSynced:
			br.SuccessfulIDs = append(br.SuccessfulIDs, rec.ID)
			p.result.SuccessCount++
		case outcomeFailed:
			br.FailedIDs[rec.ID] = out.err.ErrorMessage
			failed = append(failed, rec.ID)
			p.result.FailureCount++
		case outcomeDeferred:
			br.FailedIDs[rec.ID] = out.err.ErrorMessage
			p.deferred = append(p.deferred, rec.ID)
			p.result.FailureCount++
		case outcomeManual:
			br.ManualIDs = append(br.ManualIDs, rec.ID)
			p.manual = append(p.manual, rec.ID)
			p.result.ManualCount++
		case outcomeHeld:
			br.SkippedIDs = append(br.SkippedIDs, rec.ID)
			p.held = append(p.held, rec.ID)
			p.result.SkippedCount++
		case outcomeSkipped:
			br.SkippedIDs = append(br.SkippedIDs, rec.ID)
			p.result.SkippedCount++
		}
		if out.err != nil {
			br.Errors = append(br.Errors, *out.err)
			p.result.Errors = append(p.result.Errors, *out.err)
		}
	}
	br.EndTime = o.config.Clock.Now()

	processed := p.cp.ProcessedRecords + accounted
	patch := checkpoint.Patch{
		ProcessedRecords:   checkpoint.Int(processed),
		CurrentBatchNumber: checkpoint.Int(number),
		AddProcessedBatch:  br.BatchID,
		AddFailedRecords:   failed,
		Context: map[string]any{
			ctxDeferredIDs:  append([]string(nil), p.deferred...),
			ctxManualIDs:    append([]string(nil), p.manual...),
			ctxSuccessCount: p.result.SuccessCount,
			ctxFailureCount: p.result.FailureCount,
			ctxManualCount:  p.result.ManualCount,
			// Interrupted records are sent again on resume; only held ones stay skipped.
			ctxSkippedCount: len(p.held),
			ctxHeldIDs:      append([]string(nil), p.held...),
			ctxBlocked:      p.blockedTargets(),
			ctxRevisions:    p.revisionSnapshot(),
		},
	}
	if processed > p.cp.TotalRecords {
		patch.TotalRecords = checkpoint.Int(processed)
	}

	// The batch is committed even if ctx was canceled mid-batch: outcomes
	// already applied to the queue must be reflected in the checkpoint.
	cp, err := o.deps.Checkpoints.Update(context.WithoutCancel(ctx), p.cp.ID, patch)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	p.cp = cp

	o.config.Sink.BatchResult(br)
	level := telemetry.LevelInfo
	if !br.IsFullySuccessful() {
		level = telemetry.LevelWarning
	}
	o.event(level, "batch", p.cp.ID, fmt.Sprintf("batch %d: %s", number, br.Outcome()), map[string]any{
		"syncType":     p.syncType,
		"batchNumber":  number,
		"successCount": br.SuccessCount(),
		"failureCount": br.FailureCount(),
		"manualCount":  len(br.ManualIDs),
		"skippedCount": len(br.SkippedIDs),
	})
	return nil
}

// groupByTarget splits batch indexes by target record, keeping queue order
// inside each group.
func groupByTarget(batch []types.MutationRecord) [][]int {
	index := make(map[string]int)
	var groups [][]int
	for i, rec := range batch {
		key := targetKey(rec)
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func (p *pass) blockedTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.blocked))
	for k := range p.blocked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *pass) revisionSnapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.revisions))
	for k, v := range p.revisions {
		out[k] = v
	}
	return out
}

// contextStrings reads a string list from a sync context. Values that went
// through JSON come back as []any.
func contextStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// contextInt reads a counter from a sync context.
func contextInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// contextStringMap reads a string map from a sync context.
func contextStringMap(m map[string]any, key string) map[string]string {
	switch v := m[key].(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, x := range v {
			out[k] = x
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, x := range v {
			if s, ok := x.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
