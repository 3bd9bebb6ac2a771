package telemetry

import (
	"sync"
	"time"

	"github.com/steveyegge/fieldsync/internal/types"
)

// RecentResultsSize is how many SyncResults Metrics remembers.
const RecentResultsSize = 10

// Metrics accumulates lifetime sync counters for the process. Only Clear
// resets it.
type Metrics struct {
	mu sync.RWMutex

	totalSyncs      int
	successfulSyncs int
	failedSyncs     int
	recordsSynced   int
	recordsFailed   int
	recordsManual   int
	batches         int
	totalDuration   time.Duration
	lastSuccess     *time.Time
	recent          []types.SyncResult
}

// NewMetrics creates empty metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSync adds a finished pass. Only fully successful passes count as
// successes; every other pass counts as a failure.
func (m *Metrics) RecordSync(r types.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSyncs++
	if r.IsFullySuccessful() {
		m.successfulSyncs++
		end := r.EndTime
		m.lastSuccess = &end
	} else {
		m.failedSyncs++
	}
	m.recordsSynced += r.SuccessCount
	m.recordsFailed += r.FailureCount
	m.recordsManual += r.ManualCount
	m.totalDuration += r.Duration()

	m.recent = append(m.recent, r)
	if len(m.recent) > RecentResultsSize {
		m.recent = append([]types.SyncResult(nil), m.recent[len(m.recent)-RecentResultsSize:]...)
	}
}

// RecordBatch counts a committed batch.
func (m *Metrics) RecordBatch(b types.BatchSyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalSyncs             int                `json:"totalSyncs" yaml:"totalSyncs"`
	SuccessfulSyncs        int                `json:"successfulSyncs" yaml:"successfulSyncs"`
	FailedSyncs            int                `json:"failedSyncs" yaml:"failedSyncs"`
	RecordsSynced          int                `json:"recordsSynced" yaml:"recordsSynced"`
	RecordsFailed          int                `json:"recordsFailed" yaml:"recordsFailed"`
	RecordsManual          int                `json:"recordsManual" yaml:"recordsManual"`
	BatchesProcessed       int                `json:"batchesProcessed" yaml:"batchesProcessed"`
	AverageDuration        time.Duration      `json:"averageDurationNs" yaml:"averageDuration"`
	LastSuccessfulSyncTime *time.Time         `json:"lastSuccessfulSyncTime,omitempty" yaml:"lastSuccessfulSyncTime,omitempty"`
	RecentResults          []types.SyncResult `json:"recentResults" yaml:"recentResults"`
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		TotalSyncs:       m.totalSyncs,
		SuccessfulSyncs:  m.successfulSyncs,
		FailedSyncs:      m.failedSyncs,
		RecordsSynced:    m.recordsSynced,
		RecordsFailed:    m.recordsFailed,
		RecordsManual:    m.recordsManual,
		BatchesProcessed: m.batches,
		RecentResults:    append([]types.SyncResult{}, m.recent...),
	}
	if m.totalSyncs > 0 {
		s.AverageDuration = m.totalDuration / time.Duration(m.totalSyncs)
	}
	if m.lastSuccess != nil {
		t := *m.lastSuccess
		s.LastSuccessfulSyncTime = &t
	}
	return s
}

// Clear resets every counter.
func (m *Metrics) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSyncs = 0
	m.successfulSyncs = 0
	m.failedSyncs = 0
	m.recordsSynced = 0
	m.recordsFailed = 0
	m.recordsManual = 0
	m.batches = 0
	m.totalDuration = 0
	m.lastSuccess = nil
	m.recent = nil
}
