package checkpoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRecordRoundTrip(t *testing.T) {
	msg := "remote unavailable"
	cp := Checkpoint{
		ID:                 "cp-1",
		SyncType:           "inspections",
		StartTime:          time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		TotalRecords:       120,
		ProcessedRecords:   40,
		CurrentBatchNumber: 2,
		ProcessedBatches:   []string{"b1", "b2"},
		FailedRecords:      []string{"r9"},
		SyncContext:        map[string]any{"deferredIds": []any{"r3"}},
		LastError:          &msg,
	}

	rec, err := cp.ToRecord()
	require.NoError(t, err)

	for _, key := range []string{"id", "syncType", "startTime", "totalRecords", "processedRecords",
		"currentBatchNumber", "processedBatches", "failedRecords", "syncContext", "lastError"} {
		assert.Contains(t, rec, key)
	}

	back, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, back.ID)
	assert.Equal(t, cp.SyncType, back.SyncType)
	assert.True(t, cp.StartTime.Equal(back.StartTime))
	assert.Equal(t, cp.ProcessedRecords, back.ProcessedRecords)
	assert.Equal(t, cp.ProcessedBatches, back.ProcessedBatches)
	assert.Equal(t, cp.FailedRecords, back.FailedRecords)
	assert.Equal(t, cp.SyncContext, back.SyncContext)
	require.NotNil(t, back.LastError)
	assert.Equal(t, msg, *back.LastError)
}

func TestToRecordEmptyCollections(t *testing.T) {
	rec, err := Checkpoint{ID: "cp-2", SyncType: "assets"}.ToRecord()
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"processedBatches":[]`)
	assert.Contains(t, string(data), `"failedRecords":[]`)
	assert.Contains(t, string(data), `"lastError":null`)
}

func TestFromRecordRequiresID(t *testing.T) {
	_, err := FromRecord(map[string]any{"syncType": "assets"})
	assert.Error(t, err)
}

func TestProgressPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Checkpoint{}.ProgressPercentage())
	assert.Equal(t, 25.0, Checkpoint{TotalRecords: 8, ProcessedRecords: 2}.ProgressPercentage())
}

func TestIsStale(t *testing.T) {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	cp := Checkpoint{ID: "cp", StartTime: start}

	assert.False(t, cp.IsStale(start.Add(2*time.Hour), 2*time.Hour))
	assert.True(t, cp.IsStale(start.Add(2*time.Hour+time.Second), 2*time.Hour))

	done := start.Add(time.Minute)
	cp.CompletedAt = &done
	assert.False(t, cp.IsStale(start.Add(10*time.Hour), 2*time.Hour), "completed checkpoints are never stale")
}

func TestPatchApply(t *testing.T) {
	cp := Checkpoint{ID: "cp", ProcessedBatches: []string{"b1"}, FailedRecords: []string{"r1"}}

	out := Patch{
		ProcessedRecords:   Int(10),
		CurrentBatchNumber: Int(2),
		AddProcessedBatch:  "b1",
		AddFailedRecords:   []string{"r1", "r2", "r2"},
		Context:            map[string]any{"k": "v"},
		LastError:          String("boom"),
	}.apply(cp)

	assert.Equal(t, 10, out.ProcessedRecords)
	assert.Equal(t, 2, out.CurrentBatchNumber)
	assert.Equal(t, []string{"b1"}, out.ProcessedBatches)
	assert.Equal(t, []string{"r1", "r2"}, out.FailedRecords)
	assert.Equal(t, "v", out.SyncContext["k"])
	require.NotNil(t, out.LastError)
	assert.Equal(t, "boom", *out.LastError)

	// The input is not modified.
	assert.Equal(t, []string{"r1"}, cp.FailedRecords)

	cleared := Patch{LastError: String("")}.apply(out)
	assert.Nil(t, cleared.LastError)
}
