package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/keylock"
	"github.com/steveyegge/fieldsync/internal/local"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/remote"
	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultBatchSize         = 50
	DefaultRecordConcurrency = 4
)

var (
	// ErrAlreadyRunning is returned when a pass for the sync type is in progress.
	ErrAlreadyRunning = errors.New("sync already running")

	// ErrPaused is returned when the sync type is paused, and by Run when a
	// pause stopped the pass.
	ErrPaused = errors.New("sync paused")
)

// State is the lifecycle state of one sync type.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// ManualRecorder stores conflicts an operator must resolve.
type ManualRecorder interface {
	Put(ctx context.Context, mutationID string, c conflict.DataConflict, r conflict.Result) error
}

// Deps are the collaborators every pass needs.
type Deps struct {
	Queue       queue.Store
	Checkpoints *checkpoint.Manager
	Remote      remote.Store
	Resolver    *conflict.Resolver

	// Local receives synced marks and conflict write-backs (optional).
	Local local.Store

	// Manual stores unresolved conflicts (optional).
	Manual ManualRecorder
}

// Config holds configuration for the Orchestrator.
type Config struct {
	// BatchSize caps the records per batch (default: DefaultBatchSize).
	BatchSize int

	// RecordConcurrency bounds concurrent sends within a batch
	// (default: DefaultRecordConcurrency).
	RecordConcurrency int

	// Retry configures the per-record retry executor.
	Retry retry.Options

	// ClockSkewTolerance bounds how far a sync timestamp may lead the clock.
	ClockSkewTolerance time.Duration

	// SyncTypes maps a sync type to the collections it drains. A sync type
	// that is not listed drains the collection with its own name. An
	// explicitly empty list drains every collection.
	SyncTypes map[string][]string

	// Clock is the time source (default: real clock).
	Clock clock.Clock

	// Sink receives results and structured log entries (optional).
	Sink telemetry.Sink

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:          DefaultBatchSize,
		RecordConcurrency:  DefaultRecordConcurrency,
		Retry:              retry.Options{MaxAttempts: retry.DefaultMaxAttempts, BaseDelay: retry.DefaultBaseDelay},
		ClockSkewTolerance: types.DefaultClockSkewTolerance,
		Clock:              clock.Real{},
		Logger:             log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// Status describes one sync type.
type Status struct {
	SyncType     string            `json:"syncType"`
	Collections  []string          `json:"collections"`
	State        State             `json:"state"`
	CheckpointID string            `json:"checkpointId,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
	LastResult   *types.SyncResult `json:"lastResult,omitempty"`
}

type typeState struct {
	state          State
	pauseRequested bool
	// halt is closed when a pause is requested during a pass. Backoff
	// waits select on it.
	halt           chan struct{}
	checkpointID   string
	lastErr        string
	lastResult     *types.SyncResult
}

// Orchestrator coordinates sync passes.
//
// Thread-safety: all methods are safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	config   *Config
	detector *conflict.Detector

	running keylock.Map

	mu     sync.Mutex
	states map[string]*typeState
}

// New creates an Orchestrator with default configuration.
func New(deps Deps) (*Orchestrator, error) {
	return NewWithConfig(deps, DefaultConfig())
}

// NewWithConfig creates an Orchestrator with custom configuration.
func NewWithConfig(deps Deps, config *Config) (*Orchestrator, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager cannot be nil")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(conflict.DefaultPolicy(), nil)
	}
	if config == nil {
		config = DefaultConfig()
	}

	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RecordConcurrency <= 0 {
		cfg.RecordConcurrency = DefaultRecordConcurrency
	}
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = types.DefaultClockSkewTolerance
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Sink == nil {
		cfg.Sink = &telemetry.Fanout{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	if err := validateSyncTypes(cfg.SyncTypes); err != nil {
		return nil, err
	}

	return &Orchestrator{
		deps:     deps,
		config:   &cfg,
		detector: conflict.NewDetector(cfg.Clock, cfg.ClockSkewTolerance),
		states:   make(map[string]*typeState),
	}, nil
}

// validateSyncTypes rejects configurations where two sync types could
// drain the same record.
func validateSyncTypes(syncTypes map[string][]string) error {
	owner := make(map[string]string)
	for name, collections := range syncTypes {
		if len(collections) == 0 && len(syncTypes) > 1 {
			return fmt.Errorf("sync type %q drains every collection and cannot share the queue with other sync types", name)
		}
		for _, c := range collections {
			if prev, ok := owner[c]; ok && prev != name {
				return fmt.Errorf("collection %q is assigned to both %q and %q", c, prev, name)
			}
			owner[c] = name
		}
	}
	return nil
}

// Collections returns the collections drained by syncType; nil means all.
func (o *Orchestrator) Collections(syncType string) []string {
	if cols, ok := o.config.SyncTypes[syncType]; ok {
		if len(cols) == 0 {
			return nil
		}
		return append([]string(nil), cols...)
	}
	return []string{syncType}
}

// SyncTypes lists the configured sync types, sorted.
func (o *Orchestrator) SyncTypes() []string {
	names := make([]string, 0, len(o.config.SyncTypes))
	for name := range o.config.SyncTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) stateLocked(syncType string) *typeState {
	st, ok := o.states[syncType]
	if !ok {
		st = &typeState{state: StateIdle}
		o.states[syncType] = st
	}
	return st
}

// State returns the current state of syncType.
func (o *Orchestrator) State(syncType string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked(syncType).state
}

// Status returns a snapshot for every configured or previously run sync type.
func (o *Orchestrator) Status() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make(map[string]bool)
	for name := range o.config.SyncTypes {
		names[name] = true
	}
	for name := range o.states {
		names[name] = true
	}

	out := make([]Status, 0, len(names))
	for name := range names {
		st := o.stateLocked(name)
		s := Status{
			SyncType:     name,
			Collections:  o.Collections(name),
			State:        st.state,
			CheckpointID: st.checkpointID,
			LastError:    st.lastErr,
		}
		if st.lastResult != nil {
			r := *st.lastResult
			s.LastResult = &r
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncType < out[j].SyncType })
	return out
}

// Pause asks syncType to stop. A running pass abandons its backoff waits,
// lets in-flight remote calls finish and stops after its current batch; an
// idle sync type refuses new passes until Resume.
func (o *Orchestrator) Pause(syncType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(syncType)
	if st.state == StateDraining {
		if !st.pauseRequested {
			st.pauseRequested = true
			close(st.halt)
		}
		return
	}
	st.state = StatePaused
}

// Resume makes a paused sync type runnable again.
func (o *Orchestrator) Resume(syncType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(syncType)
	if st.pauseRequested {
		st.pauseRequested = false
		st.halt = make(chan struct{})
	}
	if st.state == StatePaused {
		st.state = StateIdle
	}
}

// HasIncomplete reports whether syncType has a resumable checkpoint.
func (o *Orchestrator) HasIncomplete(ctx context.Context, syncType string) (bool, error) {
	cp, err := o.deps.Checkpoints.FindIncompleteSync(ctx, syncType)
	if err != nil {
		return false, err
	}
	return cp != nil, nil
}

func (o *Orchestrator) begin(syncType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(syncType)
	if st.state == StatePaused {
		return fmt.Errorf("%w: %s", ErrPaused, syncType)
	}
	st.state = StateDraining
	st.pauseRequested = false
	st.halt = make(chan struct{})
	return nil
}

// haltSignal returns the channel closed by a pause of the running pass.
func (o *Orchestrator) haltSignal(syncType string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked(syncType).halt
}

// takePause reports a pending pause and, if there is one, moves the sync
// type to paused.
func (o *Orchestrator) takePause(syncType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(syncType)
	if !st.pauseRequested {
		return false
	}
	st.pauseRequested = false
	st.state = StatePaused
	return true
}

func (o *Orchestrator) finish(syncType string, state State, cpID string, result *types.SyncResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(syncType)
	if st.state != StatePaused {
		st.state = state
	}
	st.checkpointID = cpID
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	if result != nil {
		r := *result
		st.lastResult = &r
	}
}

func (o *Orchestrator) event(level telemetry.Level, op, cpID, msg string, meta map[string]any) {
	o.config.Sink.LogEntry(telemetry.Entry{
		Timestamp:    o.config.Clock.Now(),
		Level:        level,
		Operation:    op,
		Message:      msg,
		Metadata:     meta,
		CheckpointID: cpID,
	})
}
