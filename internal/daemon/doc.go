// Package daemon runs the sync engine unattended.
//
// A Daemon owns one background worker. Triggers from four places feed it:
//
//   - startup: one pass per sync type when Start is called
//   - interval: every SyncInterval
//   - reconnect: on each offline to online transition of the connectivity
//     signal; only sync types with an incomplete checkpoint are resumed
//   - inbox: after mutation files dropped into InboxDir are imported
//
// Triggers that arrive while one is pending are coalesced, and passes run
// one at a time. While the signal reports offline no pass starts.
//
// # Inbox
//
// The inbox lets other tools hand mutations to the engine without linking
// it: any *.jsonl file of mutation records written to InboxDir is imported
// into the queue once it has been quiet for DebounceInterval, then moved
// to InboxDir/processed. Files that cannot be parsed go to InboxDir/failed.
// Records already queued (same id) are skipped, so re-dropping a file is
// harmless.
//
// # Graceful Shutdown
//
// Canceling the context passed to Start, or calling Stop, cancels a pass
// in progress. The orchestrator commits the batch in flight to its
// checkpoint, so the next start resumes where this one stopped.
package daemon
