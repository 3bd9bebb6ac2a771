// Package loadtest drives the sync engine with synthetic traffic.
//
// It builds a complete engine (queue, checkpoints, orchestrator, telemetry)
// over the in-memory remote store, fills the queue for several sync types,
// drains them concurrently, and reports pass and batch latency. Remote
// latency, transient failures and concurrent remote edits can be injected
// to see how retry and conflict handling affect throughput.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/remote"
	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Options configures a load run.
type Options struct {
	SyncTypes         int           // Concurrent sync types (default 4)
	RecordsPerType    int           // Queued records per sync type (default 200)
	BatchSize         int           // Orchestrator batch size (default 50)
	RecordConcurrency int           // Sends in flight per batch (default 4)
	Latency           time.Duration // Added to every remote call
	FailureRate       float64       // Fraction of records that fail once with a transient error
	ConflictRate      float64       // Fraction of records edited remotely before the run
	DBPath            string        // SQLite file for queue and checkpoints ("" = in memory)
	Seed              int64         // RNG seed (default 42)
}

func (o Options) withDefaults() Options {
	if o.SyncTypes <= 0 {
		o.SyncTypes = 4
	}
	if o.RecordsPerType <= 0 {
		o.RecordsPerType = 200
	}
	if o.BatchSize <= 0 {
		o.BatchSize = orchestrator.DefaultBatchSize
	}
	if o.RecordConcurrency <= 0 {
		o.RecordConcurrency = orchestrator.DefaultRecordConcurrency
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	return o
}

// LatencyStats captures latency percentiles.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Report is the outcome of a load run.
type Report struct {
	Options   Options
	Results   map[string]types.SyncResult
	Passes    LatencyStats
	Batches   LatencyStats
	Records   int
	Synced    int
	Failed    int
	Manual    int
	Conflicts int
	Elapsed   time.Duration
}

// Throughput is synced records per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Synced) / r.Elapsed.Seconds()
}

// batchRecorder is a telemetry sink collecting batch durations and
// conflict log entries.
type batchRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
	conflicts int
}

func (b *batchRecorder) SyncResult(types.SyncResult) {}

func (b *batchRecorder) BatchResult(r types.BatchSyncResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durations = append(b.durations, r.EndTime.Sub(r.StartTime))
}

func (b *batchRecorder) LogEntry(e telemetry.Entry) {
	if e.Operation != "conflict" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflicts++
}

// Run executes one load run.
func Run(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(opts.Seed))

	q, cps, closeFn, err := openStores(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	rs := remote.NewMemoryStore(nil)
	rs.SetLatency(opts.Latency)

	syncTypes := make(map[string][]string, opts.SyncTypes)
	names := make([]string, 0, opts.SyncTypes)
	flaky := make(map[string]int)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < opts.SyncTypes; i++ {
		name := fmt.Sprintf("type-%02d", i)
		collection := fmt.Sprintf("load-%02d", i)
		syncTypes[name] = []string{collection}
		names = append(names, name)

		for j := 0; j < opts.RecordsPerType; j++ {
			target := fmt.Sprintf("%s-%05d", collection, j)
			createdAt := base.Add(time.Duration(j) * time.Millisecond)
			rec := types.NewMutation(types.OpCreate, collection, target, types.Payload{
				"seq":   j,
				"title": fmt.Sprintf("record %d", j),
				"tags":  []any{"loadtest", fmt.Sprintf("batch-%d", j/100)},
			}, createdAt)
			if err := q.Enqueue(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to enqueue %s: %w", target, err)
			}

			if rng.Float64() < opts.ConflictRate {
				rs.Seed(collection, target, types.Payload{"seq": j, "title": "edited remotely"}, createdAt.Add(time.Minute))
			}
			if rng.Float64() < opts.FailureRate {
				flaky[target] = 1
			}
		}
	}
	rs.SetFault(failOnce(flaky))

	recorder := &batchRecorder{}
	tel := telemetry.New(&telemetry.Config{LogCapacity: 1000})
	tel.AddSink(recorder)

	orch, err := orchestrator.NewWithConfig(orchestrator.Deps{
		Queue:       q,
		Checkpoints: cps,
		Remote:      rs,
		Resolver:    conflict.NewResolver(conflict.DefaultPolicy(), nil),
	}, &orchestrator.Config{
		BatchSize:         opts.BatchSize,
		RecordConcurrency: opts.RecordConcurrency,
		Retry:             retry.Options{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
		SyncTypes:         syncTypes,
		Sink:              tel,
		Logger:            log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		Options: opts,
		Results: make(map[string]types.SyncResult, len(names)),
		Records: opts.SyncTypes * opts.RecordsPerType,
	}
	var (
		mu     sync.Mutex
		passes []time.Duration
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			res, err := orch.Run(gctx, name)
			if err != nil {
				return fmt.Errorf("sync type %s: %w", name, err)
			}
			mu.Lock()
			defer mu.Unlock()
			report.Results[name] = res
			passes = append(passes, res.Duration())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)

	for _, res := range report.Results {
		report.Synced += res.SuccessCount
		report.Failed += res.FailureCount
		report.Manual += res.ManualCount
	}
	report.Passes = computeLatencyStats(passes)
	recorder.mu.Lock()
	report.Batches = computeLatencyStats(recorder.durations)
	report.Conflicts = recorder.conflicts
	recorder.mu.Unlock()
	return report, nil
}

func openStores(ctx context.Context, path string) (queue.Store, *checkpoint.Manager, func(), error) {
	if path == "" {
		cps, err := checkpoint.NewManager(checkpoint.NewMemoryRepository(), nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return queue.NewMemoryStore(nil), cps, func() {}, nil
	}

	database, err := db.OpenWithSchema(ctx, path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	closeFn := func() { _ = database.Close() }

	q, err := queue.NewSQLiteStore(database, nil)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	repo, err := checkpoint.NewSQLiteRepository(database)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	cps, err := checkpoint.NewManager(repo, nil)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return q, cps, closeFn, nil
}

// failOnce fails the first n writes of each listed record with a
// transient error.
func failOnce(remaining map[string]int) remote.Fault {
	var mu sync.Mutex
	return func(op remote.Op, req remote.Request) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining[req.ID] > 0 {
			remaining[req.ID]--
			return retry.ErrUnavailable
		}
		return nil
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(sorted)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(sorted),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test: %d sync types x %d records (batch %d, concurrency %d)\n",
		r.Options.SyncTypes, r.Options.RecordsPerType, r.Options.BatchSize, r.Options.RecordConcurrency)
	fmt.Fprintf(w, "  Records:     %d synced, %d failed, %d manual of %d\n", r.Synced, r.Failed, r.Manual, r.Records)
	fmt.Fprintf(w, "  Conflicts:   %d\n", r.Conflicts)
	fmt.Fprintf(w, "  Elapsed:     %v\n", r.Elapsed)
	fmt.Fprintf(w, "  Throughput:  %.1f records/s\n", r.Throughput())
	r.Passes.print(w, "Pass latency")
	r.Batches.print(w, "Batch latency")
}

func (s LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d samples):\n", title, s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
