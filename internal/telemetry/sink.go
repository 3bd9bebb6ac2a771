package telemetry

import (
	"log"
	"sync"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Sink consumes what the engine reports. Implementations must be safe for
// concurrent use and must not block for long.
type Sink interface {
	SyncResult(r types.SyncResult)
	BatchResult(b types.BatchSyncResult)
	LogEntry(e Entry)
}

// Fanout forwards to every added sink.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// Add registers s.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Remove unregisters s.
func (f *Fanout) Remove(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.sinks {
		if existing == s {
			f.sinks = append(f.sinks[:i:i], f.sinks[i+1:]...)
			return
		}
	}
}

func (f *Fanout) snapshot() []Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Sink(nil), f.sinks...)
}

// SyncResult implements Sink.
func (f *Fanout) SyncResult(r types.SyncResult) {
	for _, s := range f.snapshot() {
		s.SyncResult(r)
	}
}

// BatchResult implements Sink.
func (f *Fanout) BatchResult(b types.BatchSyncResult) {
	for _, s := range f.snapshot() {
		s.BatchResult(b)
	}
}

// LogEntry implements Sink.
func (f *Fanout) LogEntry(e Entry) {
	for _, s := range f.snapshot() {
		s.LogEntry(e)
	}
}

// Telemetry bundles the event log, the metrics, and any external sinks.
// Reports sent to it reach all three.
type Telemetry struct {
	Log     *Log
	Metrics *Metrics

	clock clock.Clock
	extra Fanout
}

// Config configures Telemetry.
type Config struct {
	// LogCapacity bounds the event log (default: DefaultLogCapacity).
	LogCapacity int

	// Clock stamps log entries.
	Clock clock.Clock

	// Mirror receives a printed copy of every log entry.
	Mirror *log.Logger
}

// New creates a Telemetry.
func New(config *Config) *Telemetry {
	if config == nil {
		config = &Config{}
	}
	c := clock.OrReal(config.Clock)
	return &Telemetry{
		Log:     NewLog(config.LogCapacity, c, config.Mirror),
		Metrics: NewMetrics(),
		clock:   c,
	}
}

// AddSink registers an external sink.
func (t *Telemetry) AddSink(s Sink) { t.extra.Add(s) }

// RemoveSink unregisters an external sink.
func (t *Telemetry) RemoveSink(s Sink) { t.extra.Remove(s) }

// SyncResult implements Sink.
func (t *Telemetry) SyncResult(r types.SyncResult) {
	t.Metrics.RecordSync(r)
	t.extra.SyncResult(r)
}

// BatchResult implements Sink.
func (t *Telemetry) BatchResult(b types.BatchSyncResult) {
	t.Metrics.RecordBatch(b)
	t.extra.BatchResult(b)
}

// LogEntry implements Sink.
func (t *Telemetry) LogEntry(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock.Now()
	}
	t.Log.Write(e)
	t.extra.LogEntry(e)
}

// RecentLogs returns up to limit entries at or above minLevel, newest first.
func (t *Telemetry) RecentLogs(limit int, minLevel Level) []Entry {
	return t.Log.Recent(limit, minLevel)
}

// ExportLogs renders the log as JSON or YAML.
func (t *Telemetry) ExportLogs(minLevel Level, format string) ([]byte, error) {
	return t.Log.Export(minLevel, format)
}

// PerformanceSummary combines metrics with log health.
type PerformanceSummary struct {
	Snapshot    `yaml:",inline"`
	SuccessRate float64       `json:"successRate" yaml:"successRate"`
	LogCounts   map[Level]int `json:"logCounts" yaml:"logCounts"`
}

// PerformanceSummary returns the current summary.
func (t *Telemetry) PerformanceSummary() PerformanceSummary {
	snap := t.Metrics.Snapshot()
	ps := PerformanceSummary{
		Snapshot:  snap,
		LogCounts: t.Log.CountByLevel(),
	}
	if snap.TotalSyncs > 0 {
		ps.SuccessRate = float64(snap.SuccessfulSyncs) / float64(snap.TotalSyncs) * 100
	}
	return ps
}

var (
	_ Sink = (*Fanout)(nil)
	_ Sink = (*Telemetry)(nil)
)
