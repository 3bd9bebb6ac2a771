package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/steveyegge/fieldsync/internal/db"
)

// SQLiteRepository stores checkpoints in the checkpoints table.
type SQLiteRepository struct {
	db *db.DB
}

// NewSQLiteRepository creates a repository on an initialized database.
func NewSQLiteRepository(database *db.DB) (*SQLiteRepository, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &SQLiteRepository{db: database}, nil
}

const checkpointColumns = `id, sync_type, start_time, updated_at, completed_at, abandoned,
	total_records, processed_records, current_batch_number,
	processed_batches, failed_records, sync_context, last_error`

// Save upserts cp.
func (r *SQLiteRepository) Save(ctx context.Context, cp Checkpoint) error {
	cp = cp.normalized()

	batches, err := json.Marshal(cp.ProcessedBatches)
	if err != nil {
		return fmt.Errorf("failed to marshal processed batches: %w", err)
	}
	failed, err := json.Marshal(cp.FailedRecords)
	if err != nil {
		return fmt.Errorf("failed to marshal failed records: %w", err)
	}
	syncContext, err := json.Marshal(cp.SyncContext)
	if err != nil {
		return fmt.Errorf("failed to marshal sync context: %w", err)
	}
	var lastError sql.NullString
	if cp.LastError != nil {
		lastError = sql.NullString{String: *cp.LastError, Valid: true}
	}

	abandoned := 0
	if cp.Abandoned {
		abandoned = 1
	}

	_, err = r.db.Conn().ExecContext(ctx, `
	INSERT INTO checkpoints (`+checkpointColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_type = excluded.sync_type,
		start_time = excluded.start_time,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at,
		abandoned = excluded.abandoned,
		total_records = excluded.total_records,
		processed_records = excluded.processed_records,
		current_batch_number = excluded.current_batch_number,
		processed_batches = excluded.processed_batches,
		failed_records = excluded.failed_records,
		sync_context = excluded.sync_context,
		last_error = excluded.last_error
	`,
		cp.ID,
		cp.SyncType,
		db.FormatTime(cp.StartTime),
		db.FormatTime(cp.UpdatedAt),
		db.NullTime(cp.CompletedAt),
		abandoned,
		cp.TotalRecords,
		cp.ProcessedRecords,
		cp.CurrentBatchNumber,
		string(batches),
		string(failed),
		string(syncContext),
		lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Get loads a checkpoint by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Checkpoint, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	cps, err := scanCheckpoints(rows)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(cps) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cps[0], nil
}

// List returns checkpoints, newest first.
func (r *SQLiteRepository) List(ctx context.Context, syncType string) ([]Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if syncType != "" {
		query += ` WHERE sync_type = ?`
		args = append(args, syncType)
	}
	query += ` ORDER BY start_time DESC`

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanCheckpoints(rows)
}

// Delete removes a checkpoint. Missing ids are ignored.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Conn().ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

func scanCheckpoints(rows *sql.Rows) ([]Checkpoint, error) {
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var startTime, updatedAt, batches, failed, syncContext string
		var completedAt, lastError sql.NullString
		var abandoned int

		if err := rows.Scan(
			&cp.ID,
			&cp.SyncType,
			&startTime,
			&updatedAt,
			&completedAt,
			&abandoned,
			&cp.TotalRecords,
			&cp.ProcessedRecords,
			&cp.CurrentBatchNumber,
			&batches,
			&failed,
			&syncContext,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		var err error
		if cp.StartTime, err = db.ParseTime(startTime); err != nil {
			return nil, err
		}
		if cp.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		if cp.CompletedAt, err = db.ParseNullTime(completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(batches), &cp.ProcessedBatches); err != nil {
			return nil, fmt.Errorf("checkpoint %s: failed to parse processed batches: %w", cp.ID, err)
		}
		if err := json.Unmarshal([]byte(failed), &cp.FailedRecords); err != nil {
			return nil, fmt.Errorf("checkpoint %s: failed to parse failed records: %w", cp.ID, err)
		}
		if err := json.Unmarshal([]byte(syncContext), &cp.SyncContext); err != nil {
			return nil, fmt.Errorf("checkpoint %s: failed to parse sync context: %w", cp.ID, err)
		}
		if lastError.Valid {
			e := lastError.String
			cp.LastError = &e
		}
		cp.Abandoned = abandoned != 0

		out = append(out, cp.normalized())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// MemoryRepository keeps checkpoints in process memory.
type MemoryRepository struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{cps: make(map[string]Checkpoint)}
}

// Save stores a copy of cp.
func (r *MemoryRepository) Save(ctx context.Context, cp Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps[cp.ID] = cp.normalized().Clone()
	return nil
}

// Get returns a copy of the stored checkpoint.
func (r *MemoryRepository) Get(ctx context.Context, id string) (Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.cps[id]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp.Clone(), nil
}

// List returns copies, newest first.
func (r *MemoryRepository) List(ctx context.Context, syncType string) ([]Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Checkpoint
	for _, cp := range r.cps {
		if syncType == "" || cp.SyncType == syncType {
			out = append(out, cp.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Delete removes a checkpoint.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cps, id)
	return nil
}

var (
	_ Repository = (*SQLiteRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
