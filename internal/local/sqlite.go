package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/types"
)

// SQLiteStore keeps local records in the local_records table.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLiteStore creates a store on an initialized database.
func NewSQLiteStore(database *db.DB) (*SQLiteStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &SQLiteStore{db: database}, nil
}

// Get loads one record.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Record, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
	SELECT collection, id, data, deleted, updated_at, synced_at
	FROM local_records WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load %s/%s: %w", collection, id, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return recs[0], nil
}

// Save upserts rec.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	data, err := rec.Data.Marshal()
	if err != nil {
		return err
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err = s.db.Conn().ExecContext(ctx, `
	INSERT INTO local_records (collection, id, data, deleted, updated_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at
	`, rec.Collection, rec.ID, string(data), deleted, db.FormatTime(rec.UpdatedAt), db.NullTime(rec.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// QueryUnsynced returns unsynced records, oldest change first.
func (s *SQLiteStore) QueryUnsynced(ctx context.Context, limit int) ([]Record, error) {
	query := `
	SELECT collection, id, data, deleted, updated_at, synced_at
	FROM local_records
	WHERE synced_at IS NULL OR synced_at < updated_at
	ORDER BY updated_at ASC, collection ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced records: %w", err)
	}
	return scanRecords(rows)
}

// MarkSynced records that collection/id reached the remote store at at.
func (s *SQLiteStore) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE local_records SET synced_at = ? WHERE collection = ? AND id = ?`,
		db.FormatTime(at), collection, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var data, updatedAt string
		var syncedAt sql.NullString
		var deleted int
		if err := rows.Scan(&rec.Collection, &rec.ID, &data, &deleted, &updatedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan local record: %w", err)
		}
		var err error
		if rec.Data, err = types.UnmarshalPayload([]byte(data)); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		if rec.SyncedAt, err = db.ParseNullTime(syncedAt); err != nil {
			return nil, err
		}
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate local records: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err means the record does not exist locally.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
