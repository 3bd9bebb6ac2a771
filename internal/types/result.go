package types

import "time"

// Error codes attached to SyncError.
const (
	CodePermanent          = "permanent"
	CodeRetriesExhausted   = "retries_exhausted"
	CodeDeferred           = "deferred"
	CodeManualResolution   = "manual_resolution"
	CodeTimestampViolation = "timestamp_violation"
	CodeCanceled           = "canceled"
	CodeHeld               = "held"
	CodeLocalStore         = "local_store"
)

// SyncError describes why a single record was not synced.
type SyncError struct {
	RecordID     string    `json:"record_id"`
	ErrorMessage string    `json:"error_message"`
	ErrorCode    string    `json:"error_code"`
	Timestamp    time.Time `json:"timestamp"`
	RecordType   string    `json:"record_type"`
}

// SyncResult summarizes one sync pass. It is built once when the pass ends
// and not modified afterwards.
type SyncResult struct {
	SyncType     string      `json:"sync_type"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
	TotalRecords int         `json:"total_records"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	SkippedCount int         `json:"skipped_count"`
	ManualCount  int         `json:"manual_count"`
	Errors       []SyncError `json:"errors,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time"`
	Resumed      bool        `json:"resumed,omitempty"`

	// Paused and PassError describe a pass that stopped early.
	Paused    bool   `json:"paused,omitempty"`
	PassError string `json:"pass_error,omitempty"`
}

// SuccessRate is SuccessCount/TotalRecords*100, or 0 for an empty pass.
func (r SyncResult) SuccessRate() float64 {
	return rate(r.SuccessCount, r.TotalRecords)
}

// Duration is the wall time of the pass.
func (r SyncResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// IsFullySuccessful reports whether the pass ran to completion and every
// record synced.
func (r SyncResult) IsFullySuccessful() bool {
	if r.Paused || r.PassError != "" {
		return false
	}
	return r.FailureCount == 0 && r.SkippedCount == 0 && r.ManualCount == 0
}

// IsPartiallySuccessful reports whether some, but not all, records synced.
func (r SyncResult) IsPartiallySuccessful() bool {
	return r.SuccessCount > 0 && !r.IsFullySuccessful()
}

// IsFullyFailed reports whether records were attempted and none synced.
func (r SyncResult) IsFullyFailed() bool {
	return r.TotalRecords > 0 && r.SuccessCount == 0 && !r.IsFullySuccessful()
}

// BatchOutcome categorizes a batch.
type BatchOutcome string

const (
	BatchFullySuccessful     BatchOutcome = "fully_successful"
	BatchPartiallySuccessful BatchOutcome = "partially_successful"
	BatchFullyFailed         BatchOutcome = "fully_failed"
)

// BatchSyncResult summarizes one batch inside a pass.
type BatchSyncResult struct {
	BatchID       string            `json:"batch_id"`
	BatchNumber   int               `json:"batch_number"`
	SyncType      string            `json:"sync_type"`
	TotalRecords  int               `json:"total_records"`
	SuccessfulIDs []string          `json:"successful_ids"`
	FailedIDs     map[string]string `json:"failed_ids"`
	SkippedIDs    []string          `json:"skipped_ids,omitempty"`
	ManualIDs     []string          `json:"manual_ids,omitempty"`
	Errors        []SyncError       `json:"errors,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
}

// SuccessCount is the number of records the remote confirmed.
func (b BatchSyncResult) SuccessCount() int { return len(b.SuccessfulIDs) }

// FailureCount is the number of records that failed.
func (b BatchSyncResult) FailureCount() int { return len(b.FailedIDs) }

// SuccessRate is the share of confirmed records in percent.
func (b BatchSyncResult) SuccessRate() float64 {
	return rate(len(b.SuccessfulIDs), b.TotalRecords)
}

// IsFullySuccessful reports whether every record in the batch synced.
func (b BatchSyncResult) IsFullySuccessful() bool {
	return len(b.SuccessfulIDs) == b.TotalRecords
}

// IsPartiallySuccessful reports whether some, but not all, records synced.
func (b BatchSyncResult) IsPartiallySuccessful() bool {
	return len(b.SuccessfulIDs) > 0 && len(b.SuccessfulIDs) < b.TotalRecords
}

// IsFullyFailed reports whether no record in a non-empty batch synced.
func (b BatchSyncResult) IsFullyFailed() bool {
	return b.TotalRecords > 0 && len(b.SuccessfulIDs) == 0
}

// Outcome returns the batch category.
func (b BatchSyncResult) Outcome() BatchOutcome {
	switch {
	case b.IsFullySuccessful():
		return BatchFullySuccessful
	case b.IsPartiallySuccessful():
		return BatchPartiallySuccessful
	default:
		return BatchFullyFailed
	}
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
