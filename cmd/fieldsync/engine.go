package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/local"
	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/remote"
	"github.com/steveyegge/fieldsync/internal/telemetry"
)

// engine is the wired set of stores and the orchestrator over one database.
type engine struct {
	db          *db.DB
	queue       *queue.SQLiteStore
	checkpoints *checkpoint.Manager
	local       *local.SQLiteStore
	journal     *local.Journal
	manual      *conflict.ManualStore
	resolver    *conflict.Resolver
	remote      remote.Store
	telemetry   *telemetry.Telemetry
	orch        *orchestrator.Orchestrator

	closeRemote func() error
}

// openEngine opens the database and wires every component from cfg. The
// configured remote store is only contacted when connect is set; otherwise
// the orchestrator gets an in-process store and is used for lookups only.
func openEngine(ctx context.Context, connect bool) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	database, err := db.OpenWithSchema(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e := &engine{db: database, closeRemote: func() error { return nil }}

	if err := e.wire(ctx, connect); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(ctx context.Context, connect bool) error {
	var err error
	if e.queue, err = queue.NewSQLiteStore(e.db, cfg.Queue()); err != nil {
		return err
	}

	repo, err := checkpoint.NewSQLiteRepository(e.db)
	if err != nil {
		return err
	}
	cpConfig := cfg.Checkpoint()
	cpConfig.Logger = newLogger("checkpoint")
	if e.checkpoints, err = checkpoint.NewManager(repo, cpConfig); err != nil {
		return err
	}

	if e.local, err = local.NewSQLiteStore(e.db); err != nil {
		return err
	}
	if e.journal, err = local.NewJournal(e.local, e.queue, nil); err != nil {
		return err
	}
	if e.manual, err = conflict.NewManualStore(e.db); err != nil {
		return err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	e.resolver = conflict.NewResolver(policy, nil)

	var mirror *log.Logger
	if cfg.LogLevel == string(telemetry.LevelDebug) {
		mirror = newLogger("telemetry")
	}
	e.telemetry = telemetry.New(&telemetry.Config{Mirror: mirror})

	switch {
	case connect && cfg.Remote.URL != "":
		couch, err := remote.NewCouchStore(ctx, cfg.Remote.URL, cfg.Remote.Database, nil)
		if err != nil {
			return err
		}
		e.remote = couch
		e.closeRemote = couch.Close
	case connect:
		newLogger("remote").Println("remote.url not set, syncing to an in-process store")
		e.remote = remote.NewMemoryStore(nil)
	default:
		e.remote = remote.NewMemoryStore(nil)
	}

	orchConfig := cfg.Orchestrator()
	orchConfig.Sink = e.telemetry
	orchConfig.Logger = newLogger("orchestrator")
	e.orch, err = orchestrator.NewWithConfig(orchestrator.Deps{
		Queue:       e.queue,
		Checkpoints: e.checkpoints,
		Remote:      e.remote,
		Resolver:    e.resolver,
		Local:       e.local,
		Manual:      e.manual,
	}, orchConfig)
	return err
}

// Close releases the remote client and the database.
func (e *engine) Close() error {
	rerr := e.closeRemote()
	if err := e.db.Close(); err != nil {
		return err
	}
	return rerr
}

// syncTypes returns args, or every configured sync type when args is empty.
func syncTypes(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	names := cfg.SyncTypeNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("no sync types given and none configured (set sync_types)")
	}
	return names, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
