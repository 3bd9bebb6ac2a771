// Package orchestrator drives sync passes: it drains the mutation queue in
// batches, sends each record to the remote store through the retry
// executor, routes concurrent modifications through conflict detection and
// resolution, and records progress in a checkpoint after every batch.
//
// # Passes
//
// A pass belongs to one sync type. A sync type names a set of collections;
// only records in those collections are drained by its passes. At most one
// pass per sync type runs at a time, while different sync types run
// concurrently and share only the telemetry sink.
//
// When a pass starts it looks for an incomplete, non-stale checkpoint for
// its sync type. If one exists the pass resumes it: the processed count and
// per-outcome counters carry over, and records the earlier run already
// settled are not sent again. Otherwise a new checkpoint is created.
//
// # Batches
//
// Each batch is dequeued with sync timestamps applied, strictly increasing
// in queue order. Records of different targets are sent concurrently
// (bounded by RecordConcurrency); the mutations of one target are sent one
// at a time in queue order. Once a pass has written a target, its next
// mutation of that target is written conditionally on the revision it left,
// so the pass never conflicts with itself. The checkpoint advances only
// after every record in the batch has an outcome:
//
//   - synced: the remote accepted the write (possibly after resolving a
//     conflict); the record leaves the queue and the local copy is marked
//     synced.
//   - failed: a permanent error or exhausted retries; the record is
//     dead-lettered and listed in the checkpoint's failedRecords.
//   - deferred: a transient failure under the retry ceiling; the record
//     stays pending for the next pass.
//   - manual: a conflict that policy will not resolve automatically, or a
//     sync timestamp that violates the no-backdating rule; the conflict is
//     stored for an operator and the record is dead-lettered.
//   - held: an earlier mutation of the same target did not sync in this
//     pass; the record stays pending, uncharged, for the next pass.
//
// One record's failure never aborts the batch or the pass. Failures of the
// queue or checkpoint store do: the pass stops in the error state and its
// checkpoint stays resumable.
//
// # Pausing
//
// Pause is cooperative. Remote calls in flight complete, but retry backoff
// waits end at once and records not yet sent are skipped without being
// charged a retry. The pass commits the batch and stops before the next
// one; its checkpoint remains valid and the skipped records are sent on
// resume. A paused sync type refuses new passes until Resume.
//
// Passes that pause or fail still report their partial result to the sink.
package orchestrator
