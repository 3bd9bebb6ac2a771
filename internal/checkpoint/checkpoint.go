// Package checkpoint persists resumable progress for long-running sync
// passes so an interrupted pass can pick up where it stopped without
// reprocessing committed batches or double-counting records.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxAge is how long an incomplete checkpoint stays eligible for
// resumption before it is treated as abandoned.
const DefaultMaxAge = 2 * time.Hour

var (
	// ErrNotFound is returned when no checkpoint has the requested id.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCompleted is returned when modifying a checkpoint that was completed.
	ErrCompleted = errors.New("checkpoint already completed")

	// ErrAbandoned is returned when modifying an abandoned checkpoint.
	ErrAbandoned = errors.New("checkpoint abandoned")
)

// Checkpoint is the progress marker for one sync pass.
//
// JSON field names follow the persisted layout shared with other clients:
// {id, syncType, startTime, totalRecords, processedRecords,
// currentBatchNumber, processedBatches, failedRecords, syncContext, lastError}.
// completedAt, abandoned and updatedAt are additive.
type Checkpoint struct {
	ID                 string         `json:"id"`
	SyncType           string         `json:"syncType"`
	StartTime          time.Time      `json:"startTime"`
	TotalRecords       int            `json:"totalRecords"`
	ProcessedRecords   int            `json:"processedRecords"`
	CurrentBatchNumber int            `json:"currentBatchNumber"`
	ProcessedBatches   []string       `json:"processedBatches"`
	FailedRecords      []string       `json:"failedRecords"`
	SyncContext        map[string]any `json:"syncContext"`
	LastError          *string        `json:"lastError"`

	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Abandoned   bool       `json:"abandoned,omitempty"`
}

// ProgressPercentage is ProcessedRecords/TotalRecords*100 (0 when empty).
func (c Checkpoint) ProgressPercentage() float64 {
	if c.TotalRecords == 0 {
		return 0
	}
	return float64(c.ProcessedRecords) / float64(c.TotalRecords) * 100
}

// IsCompleted reports whether the pass was explicitly completed.
func (c Checkpoint) IsCompleted() bool {
	return c.CompletedAt != nil
}

// IsStale reports whether an incomplete checkpoint started more than
// maxAge before now.
func (c Checkpoint) IsStale(now time.Time, maxAge time.Duration) bool {
	if c.IsCompleted() {
		return false
	}
	return now.Sub(c.StartTime) > maxAge
}

// HasProcessedBatch reports whether batchID was already committed.
func (c Checkpoint) HasProcessedBatch(batchID string) bool {
	for _, b := range c.ProcessedBatches {
		if b == batchID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.ProcessedBatches = append([]string(nil), c.ProcessedBatches...)
	out.FailedRecords = append([]string(nil), c.FailedRecords...)
	if c.SyncContext != nil {
		out.SyncContext = make(map[string]any, len(c.SyncContext))
		for k, v := range c.SyncContext {
			out.SyncContext[k] = v
		}
	}
	if c.LastError != nil {
		e := *c.LastError
		out.LastError = &e
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// ToRecord converts the checkpoint to a plain map following the persisted layout.
func (c Checkpoint) ToRecord() (map[string]any, error) {
	data, err := json.Marshal(c.normalized())
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint %s: %w", c.ID, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint %s: %w", c.ID, err)
	}
	return rec, nil
}

// FromRecord rebuilds a checkpoint from a plain map produced by ToRecord
// or by another client using the same layout.
func FromRecord(rec map[string]any) (Checkpoint, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.ID == "" {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: id is required")
	}
	return c.normalized(), nil
}

// normalized replaces nil collections with empty ones so the persisted
// form always carries arrays and objects.
func (c Checkpoint) normalized() Checkpoint {
	if c.ProcessedBatches == nil {
		c.ProcessedBatches = []string{}
	}
	if c.FailedRecords == nil {
		c.FailedRecords = []string{}
	}
	if c.SyncContext == nil {
		c.SyncContext = map[string]any{}
	}
	return c
}

// Patch is a partial update. Nil fields are left unchanged; slices are
// appended, context keys are merged.
type Patch struct {
	TotalRecords       *int
	ProcessedRecords   *int
	CurrentBatchNumber *int
	AddProcessedBatch  string
	AddFailedRecords   []string
	Context            map[string]any
	LastError          *string
}

// apply returns c with p applied.
func (p Patch) apply(c Checkpoint) Checkpoint {
	c = c.Clone()
	if p.TotalRecords != nil {
		c.TotalRecords = *p.TotalRecords
	}
	if p.ProcessedRecords != nil {
		c.ProcessedRecords = *p.ProcessedRecords
	}
	if p.CurrentBatchNumber != nil {
		c.CurrentBatchNumber = *p.CurrentBatchNumber
	}
	if p.AddProcessedBatch != "" && !c.HasProcessedBatch(p.AddProcessedBatch) {
		c.ProcessedBatches = append(c.ProcessedBatches, p.AddProcessedBatch)
	}
	if len(p.AddFailedRecords) > 0 {
		seen := make(map[string]bool, len(c.FailedRecords))
		for _, id := range c.FailedRecords {
			seen[id] = true
		}
		for _, id := range p.AddFailedRecords {
			if !seen[id] {
				c.FailedRecords = append(c.FailedRecords, id)
				seen[id] = true
			}
		}
	}
	if len(p.Context) > 0 {
		if c.SyncContext == nil {
			c.SyncContext = make(map[string]any, len(p.Context))
		}
		for k, v := range p.Context {
			c.SyncContext[k] = v
		}
	}
	if p.LastError != nil {
		if *p.LastError == "" {
			c.LastError = nil
		} else {
			e := *p.LastError
			c.LastError = &e
		}
	}
	return c
}

// Int is a helper for building patches.
func Int(v int) *int { return &v }

// String is a helper for building patches.
func String(v string) *string { return &v }
