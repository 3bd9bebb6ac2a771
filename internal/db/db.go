// Package db provides the embedded SQLite database that backs the sync
// engine's durable state: the mutation queue, sync checkpoints, the local
// record store and unresolved conflicts.
//
// The database runs in embedded mode through ncruces/go-sqlite3 with WAL
// enabled, so the CLI can inspect queue and checkpoint state while the
// daemon drains batches.
//
// Tables:
//   - mutations: queued local writes (pending and dead-letter)
//   - checkpoints: resumable progress for sync passes
//   - local_records: the client's copy of each record
//   - conflicts: conflicts awaiting manual resolution
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeFormat is the layout used for every timestamp column. The fixed-width
// fraction keeps stored values sortable as strings.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. MemoryPath opens an in-memory
// database pinned to a single connection so every query sees the same data.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	connStr := path
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == MemoryPath {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// OpenWithSchema opens the database and initializes its schema.
func OpenWithSchema(ctx context.Context, path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection, checkpointing the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		collection TEXT NOT NULL,
		target_id TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		sync_timestamp TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		timestamp_violation INTEGER NOT NULL DEFAULT 0,
		enqueued_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_pending
	    ON mutations(status, collection, created_at, enqueued_seq);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		sync_type TEXT NOT NULL,
		start_time TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		abandoned INTEGER NOT NULL DEFAULT 0,
		total_records INTEGER NOT NULL DEFAULT 0,
		processed_records INTEGER NOT NULL DEFAULT 0,
		current_batch_number INTEGER NOT NULL DEFAULT 0,
		processed_batches TEXT NOT NULL DEFAULT '[]',
		failed_records TEXT NOT NULL DEFAULT '[]',
		sync_context TEXT NOT NULL DEFAULT '{}',
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_type
	    ON checkpoints(sync_type, completed_at, abandoned);

	CREATE TABLE IF NOT EXISTS local_records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_local_unsynced ON local_records(synced_at, updated_at);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		local_data TEXT,
		remote_data TEXT,
		local_timestamp TEXT,
		remote_timestamp TEXT,
		detected_at TEXT NOT NULL,
		conflicting_fields TEXT NOT NULL DEFAULT '[]',
		strategy TEXT NOT NULL,
		error_message TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		resolved_data TEXT,
		mutation_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolved, detected_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Columns added after the first release.
	if err := db.ensureColumn(ctx, "conflicts", "mutation_id", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds column to table when an older database lacks it.
func (db *DB) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	rows.Close()

	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// NullTime renders an optional timestamp.
func NullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime parses an optional stored timestamp.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
