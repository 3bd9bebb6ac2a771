package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/fieldsync/internal/connectivity"
	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Runner runs sync passes. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, syncType string) (types.SyncResult, error)
	HasIncomplete(ctx context.Context, syncType string) (bool, error)
}

// Reason says why a sync was triggered.
type Reason string

const (
	ReasonStartup   Reason = "startup"
	ReasonReconnect Reason = "reconnect"
	ReasonInterval  Reason = "interval"
	ReasonInbox     Reason = "inbox"
	ReasonManual    Reason = "manual"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncTypes are the sync types the daemon drives.
	SyncTypes []string

	// SyncInterval is how often every sync type is drained (0 disables
	// the ticker; reconnects and inbox imports still trigger passes).
	SyncInterval time.Duration

	// Source drives the connectivity signal (optional; nil leaves the
	// signal to the caller).
	Source connectivity.Source

	// InboxDir, when set, is watched for *.jsonl files of mutation
	// records. Each file is imported into Queue and moved to
	// InboxDir/processed (or InboxDir/failed).
	InboxDir string
	Queue    queue.Store

	// DebounceInterval is how long an inbox file must be quiet before it
	// is imported. This lets writers finish.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon is the single background worker that keeps the queue draining:
// it syncs on a timer, resumes interrupted passes when connectivity
// returns, and imports mutation files dropped into the inbox.
type Daemon struct {
	runner Runner
	signal *connectivity.Signal
	config *Config

	trigger chan Reason

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // inbox path -> last event
	changeQueueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Stats counts daemon activity.
type Stats struct {
	Passes         int       `json:"passes"`
	FailedPasses   int       `json:"failedPasses"`
	SkippedOffline int       `json:"skippedOffline"`
	FilesImported  int       `json:"filesImported"`
	LastPass       time.Time `json:"lastPass"`
	LastReason     Reason    `json:"lastReason,omitempty"`
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - runner: runs sync passes (usually an *orchestrator.Orchestrator)
//   - signal: connectivity; passes only start while it reports online
//   - syncTypes: the sync types to drive
//
// Use Start() to begin.
func New(runner Runner, signal *connectivity.Signal, syncTypes []string) (*Daemon, error) {
	config := DefaultConfig()
	config.SyncTypes = syncTypes
	return NewWithConfig(runner, signal, config)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner Runner, signal *connectivity.Signal, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if signal == nil {
		return nil, fmt.Errorf("signal cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if len(cfg.SyncTypes) == 0 {
		return nil, fmt.Errorf("at least one sync type is required")
	}
	if cfg.InboxDir != "" && cfg.Queue == nil {
		return nil, fmt.Errorf("inbox requires a queue")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	d := &Daemon{
		runner:      runner,
		signal:      signal,
		config:      &cfg,
		trigger:     make(chan Reason, 1),
		changeQueue: make(map[string]time.Time),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if cfg.InboxDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Import any files already waiting in the inbox
//  2. Start the connectivity source and watch for reconnects
//  3. Trigger an initial sync
//  4. Sync every SyncInterval and after each inbox import
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.InboxDir, 0755); err != nil {
			return fmt.Errorf("failed to create inbox %s: %w", d.config.InboxDir, err)
		}
		if err := d.watcher.Add(d.config.InboxDir); err != nil {
			return fmt.Errorf("failed to watch inbox: %w", err)
		}
		if err := d.importExisting(); err != nil {
			return fmt.Errorf("initial inbox import failed: %w", err)
		}
		d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

		d.wg.Add(2)
		go d.watchInboxEvents()
		go d.processChangeQueue()
	}

	if d.config.Source != nil {
		d.wg.Add(1)
		go d.runSource()
	}

	events, unsubscribe := d.signal.Subscribe(4)
	online := d.signal.IsConnected()
	d.wg.Add(3)
	go d.watchConnectivity(online, events, unsubscribe)
	go d.syncLoop()
	go d.periodicSync()

	d.Trigger(ReasonStartup)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A pass in progress is canceled;
// its checkpoint stays resumable.
func (d *Daemon) Stop() error {
	d.once.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger asks the worker to run a sync. Triggers arriving while one is
// already pending are coalesced.
func (d *Daemon) Trigger(reason Reason) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// Stats returns a copy of the activity counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Daemon) runSource() {
	defer d.wg.Done()
	if err := d.config.Source.Run(d.ctx, d.signal); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Connectivity source stopped: %v", err)
	}
}

// watchConnectivity triggers a resume on every offline to online transition.
func (d *Daemon) watchConnectivity(online bool, events <-chan connectivity.Event, unsubscribe func()) {
	defer d.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online && !online {
				d.config.Logger.Println("Connectivity restored")
				d.Trigger(ReasonReconnect)
			} else if !ev.Online && online {
				d.config.Logger.Println("Connectivity lost")
			}
			online = ev.Online
		}
	}
}

func (d *Daemon) periodicSync() {
	defer d.wg.Done()
	if d.config.SyncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Trigger(ReasonInterval)
		}
	}
}

// syncLoop is the worker: it runs triggered passes one at a time.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case reason := <-d.trigger:
			d.syncAll(reason)
		}
	}
}

// syncAll runs a pass for each sync type. A reconnect only resumes sync
// types with an incomplete checkpoint.
func (d *Daemon) syncAll(reason Reason) {
	if !d.signal.IsConnected() {
		d.config.Logger.Printf("Offline, skipping %s sync", reason)
		d.statsMu.Lock()
		d.stats.SkippedOffline++
		d.statsMu.Unlock()
		return
	}

	for _, syncType := range d.config.SyncTypes {
		if d.ctx.Err() != nil {
			return
		}
		if reason == ReasonReconnect {
			incomplete, err := d.runner.HasIncomplete(d.ctx, syncType)
			if err != nil {
				d.config.Logger.Printf("Error checking %s for incomplete sync: %v", syncType, err)
				continue
			}
			if !incomplete {
				continue
			}
			d.config.Logger.Printf("Resuming interrupted %s sync", syncType)
		}

		result, err := d.runner.Run(d.ctx, syncType)
		d.statsMu.Lock()
		d.stats.Passes++
		d.stats.LastPass = time.Now()
		d.stats.LastReason = reason
		if err != nil {
			d.stats.FailedPasses++
		}
		d.statsMu.Unlock()

		switch {
		case err == nil:
			if result.TotalRecords > 0 {
				d.config.Logger.Printf("%s sync (%s): %d/%d synced", syncType, reason, result.SuccessCount, result.TotalRecords)
			}
		case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, orchestrator.ErrPaused):
			d.config.Logger.Printf("%s sync skipped: %v", syncType, err)
		case errors.Is(err, context.Canceled):
			return
		default:
			d.config.Logger.Printf("Error syncing %s: %v", syncType, err)
		}
	}
}
