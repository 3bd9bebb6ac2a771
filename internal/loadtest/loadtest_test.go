package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Small(t *testing.T) {
	report, err := Run(context.Background(), Options{SyncTypes: 3, RecordsPerType: 40, BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 120, report.Records)
	assert.Equal(t, 120, report.Synced)
	assert.Zero(t, report.Failed)
	assert.Len(t, report.Results, 3)
	assert.Equal(t, 3, report.Passes.Samples)
	assert.Equal(t, 12, report.Batches.Samples)
	assert.Positive(t, report.Throughput())

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "120 synced")
}

func TestRun_FailuresAndConflicts(t *testing.T) {
	report, err := Run(context.Background(), Options{
		SyncTypes:      2,
		RecordsPerType: 50,
		BatchSize:      10,
		FailureRate:    0.2,
		ConflictRate:   0.2,
	})
	require.NoError(t, err)

	// Each flaky record fails once and succeeds on retry; each conflict
	// resolves by lastWriteWins.
	assert.Equal(t, 100, report.Synced)
	assert.Positive(t, report.Conflicts)
}

func TestRun_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite load test in short mode")
	}
	report, err := Run(context.Background(), Options{
		SyncTypes:      2,
		RecordsPerType: 30,
		BatchSize:      8,
		Latency:        time.Millisecond,
		DBPath:         filepath.Join(t.TempDir(), "load.db"),
	})
	require.NoError(t, err)
	assert.Equal(t, 60, report.Synced)
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100, s.Samples)

	assert.Zero(t, computeLatencyStats(nil).Samples)
}
