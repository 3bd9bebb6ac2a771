package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/keylock"
	"github.com/steveyegge/fieldsync/internal/types"
)

// SQLiteStore is a Store backed by the mutations table.
type SQLiteStore struct {
	db     *db.DB
	config *Config
	locks  keylock.Map
}

// NewSQLiteStore creates a queue on an initialized database.
func NewSQLiteStore(database *db.DB, config *Config) (*SQLiteStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &SQLiteStore{db: database, config: config.withDefaults()}, nil
}

const mutationColumns = `id, operation, collection, target_id, payload, created_at,
	sync_timestamp, retry_count, last_error, status, timestamp_violation`

// Enqueue implements Store.Enqueue.
func (s *SQLiteStore) Enqueue(ctx context.Context, rec types.MutationRecord) error {
	rec = prepare(rec)
	if err := rec.Validate(); err != nil {
		return err
	}

	payload, err := rec.Payload.Marshal()
	if err != nil {
		return err
	}

	res, err := s.db.Conn().ExecContext(ctx, `
	INSERT INTO mutations (
		id, operation, collection, target_id, payload, created_at,
		sync_timestamp, retry_count, last_error, status, timestamp_violation, enqueued_seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		(SELECT COALESCE(MAX(enqueued_seq), 0) + 1 FROM mutations))
	ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		string(rec.Operation),
		rec.Collection,
		rec.TargetID,
		string(payload),
		db.FormatTime(rec.CreatedAt),
		db.NullTime(rec.SyncTimestamp),
		rec.RetryCount,
		nullString(rec.LastError),
		string(rec.Status),
		boolToInt(rec.TimestampViolation),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, rec.ID)
	}
	return nil
}

// DequeueBatch implements Store.DequeueBatch.
func (s *SQLiteStore) DequeueBatch(ctx context.Context, maxSize int, prepareForSync bool, filter Filter) ([]types.MutationRecord, error) {
	if maxSize < 1 {
		return nil, ErrInvalidBatchSize
	}

	where, args, err := pendingWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, maxSize)

	rows, err := s.db.Conn().QueryContext(ctx, `
	SELECT `+mutationColumns+`
	FROM mutations
	WHERE `+where+`
	ORDER BY created_at ASC, enqueued_seq ASC
	LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	records, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}

	if !prepareForSync || len(records) == 0 {
		return records, nil
	}

	stamped := types.StampBatch(records, s.config.Clock.Now(), s.config.ClockSkewTolerance)
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range stamped {
			if _, err := tx.ExecContext(ctx,
				`UPDATE mutations SET sync_timestamp = ?, timestamp_violation = ? WHERE id = ?`,
				db.NullTime(rec.SyncTimestamp), boolToInt(rec.TimestampViolation), rec.ID,
			); err != nil {
				return fmt.Errorf("failed to stamp mutation %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

// MarkOutcome implements Store.MarkOutcome.
func (s *SQLiteStore) MarkOutcome(ctx context.Context, id string, outcome types.Outcome) (types.MutationRecord, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var next types.MutationRecord
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to load mutation %s: %w", id, err)
		}
		found, err := scanMutations(rows)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		next = types.Apply(found[0], outcome, s.config.MaxRetries)
		if next.Status == types.StatusSynced {
			if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to remove synced mutation %s: %w", id, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE mutations SET retry_count = ?, last_error = ?, status = ? WHERE id = ?`,
			next.RetryCount, nullString(next.LastError), string(next.Status), id,
		); err != nil {
			return fmt.Errorf("failed to update mutation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return types.MutationRecord{}, err
	}
	return next, nil
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, id string) (types.MutationRecord, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	if err != nil {
		return types.MutationRecord{}, fmt.Errorf("failed to load mutation %s: %w", id, err)
	}
	found, err := scanMutations(rows)
	if err != nil {
		return types.MutationRecord{}, err
	}
	if len(found) == 0 {
		return types.MutationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found[0], nil
}

// PendingCount implements Store.PendingCount.
func (s *SQLiteStore) PendingCount(ctx context.Context, filter Filter) (int, error) {
	where, args, err := pendingWhere(filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// DeadLetters implements Store.DeadLetters.
func (s *SQLiteStore) DeadLetters(ctx context.Context, limit int) ([]types.MutationRecord, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE status = ? ORDER BY created_at ASC, enqueued_seq ASC`
	args := []any{string(types.StatusDeadLetter)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return scanMutations(rows)
}

// Requeue implements Store.Requeue.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsDeadLetter() {
		return fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}

	_, err = s.db.Conn().ExecContext(ctx, `
	UPDATE mutations
	SET status = ?, retry_count = 0, last_error = NULL, sync_timestamp = NULL, timestamp_violation = 0
	WHERE id = ?`, string(types.StatusPending), id)
	if err != nil {
		return fmt.Errorf("failed to requeue mutation %s: %w", id, err)
	}
	return nil
}

// Discard implements Store.Discard.
func (s *SQLiteStore) Discard(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsDeadLetter() {
		return fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to discard mutation %s: %w", id, err)
	}
	return nil
}

// Stats implements Store.Stats.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByCollection: make(map[string]int)}

	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT collection, status, COUNT(*) FROM mutations GROUP BY collection, status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var collection, status string
		var n int
		if err := rows.Scan(&collection, &status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch types.RecordStatus(status) {
		case types.StatusDeadLetter:
			stats.DeadLetter += n
		default:
			stats.Pending += n
		}
		stats.ByCollection[collection] += n
	}
	return stats, rows.Err()
}

func pendingWhere(filter Filter) (string, []any, error) {
	where := "status = ?"
	args := []any{string(types.StatusPending)}

	if len(filter.Collections) > 0 {
		data, err := json.Marshal(filter.Collections)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode collections: %w", err)
		}
		where += " AND collection IN (SELECT value FROM json_each(?))"
		args = append(args, string(data))
	}
	if len(filter.ExcludeIDs) > 0 {
		data, err := json.Marshal(filter.ExcludeIDs)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode excluded ids: %w", err)
		}
		where += " AND id NOT IN (SELECT value FROM json_each(?))"
		args = append(args, string(data))
	}
	return where, args, nil
}

func scanMutations(rows *sql.Rows) ([]types.MutationRecord, error) {
	defer rows.Close()

	var records []types.MutationRecord
	for rows.Next() {
		var rec types.MutationRecord
		var op, payload, createdAt, status string
		var syncTS, lastError sql.NullString
		var violation int

		if err := rows.Scan(
			&rec.ID,
			&op,
			&rec.Collection,
			&rec.TargetID,
			&payload,
			&createdAt,
			&syncTS,
			&rec.RetryCount,
			&lastError,
			&status,
			&violation,
		); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		rec.Operation = types.Operation(op)
		rec.Status = types.RecordStatus(status)
		rec.LastError = lastError.String
		rec.TimestampViolation = violation != 0

		var err error
		if rec.Payload, err = types.UnmarshalPayload([]byte(payload)); err != nil {
			return nil, fmt.Errorf("mutation %s: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("mutation %s: %w", rec.ID, err)
		}
		if rec.SyncTimestamp, err = db.ParseNullTime(syncTS); err != nil {
			return nil, fmt.Errorf("mutation %s: %w", rec.ID, err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
