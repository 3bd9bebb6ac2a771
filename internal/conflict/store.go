package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/types"
)

var (
	// ErrNotFound is returned when no stored conflict has the requested id.
	ErrNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved is returned when resolving a conflict twice.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Entry is a conflict held for an operator, together with the automatic
// result that sent it there and, once handled, the operator's resolution.
type Entry struct {
	Conflict DataConflict `json:"conflict"`
	// MutationID is the queued mutation the conflict was detected for. It
	// is dead-lettered until the conflict is resolved.
	MutationID   string       `json:"mutationId,omitempty"`
	Strategy     Strategy     `json:"strategy"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Resolved     bool         `json:"resolved"`
	Resolution   *Result      `json:"resolution,omitempty"`
}

// ManualStore persists conflicts that need manual resolution in the
// conflicts table.
type ManualStore struct {
	db *db.DB
}

// NewManualStore creates a store on an initialized database.
func NewManualStore(database *db.DB) (*ManualStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &ManualStore{db: database}, nil
}

const conflictColumns = `id, record_id, collection, conflict_type, local_data, remote_data,
	local_timestamp, remote_timestamp, detected_at, conflicting_fields,
	strategy, error_message, resolved, resolved_at, resolved_data, mutation_id`

// Put records an unresolved conflict detected for the queued mutation
// mutationID.
func (s *ManualStore) Put(ctx context.Context, mutationID string, c DataConflict, res Result) error {
	if c.ID == "" {
		return fmt.Errorf("conflict id cannot be empty")
	}
	local, err := nullPayload(c.LocalData)
	if err != nil {
		return err
	}
	remote, err := nullPayload(c.RemoteData)
	if err != nil {
		return err
	}
	fields := c.ConflictingFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicting fields: %w", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, `
	INSERT INTO conflicts (`+conflictColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)
	`,
		c.ID,
		c.RecordID,
		c.Collection,
		string(c.Type),
		local,
		remote,
		db.NullTime(c.LocalTimestamp),
		db.NullTime(c.RemoteTimestamp),
		db.FormatTime(c.DetectedAt),
		string(fieldsJSON),
		string(res.Strategy),
		sql.NullString{String: res.ErrorMessage, Valid: res.ErrorMessage != ""},
		sql.NullString{String: mutationID, Valid: mutationID != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to store conflict %s: %w", c.ID, err)
	}
	return nil
}

// Get loads a stored conflict.
func (s *ManualStore) Get(ctx context.Context, id string) (Entry, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load conflict %s: %w", id, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entries[0], nil
}

// List returns stored conflicts oldest first. Resolved conflicts are
// included only when includeResolved is set. limit <= 0 means no limit.
func (s *ManualStore) List(ctx context.Context, includeResolved bool, limit int) ([]Entry, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return scanEntries(rows)
}

// OpenCount counts unresolved conflicts.
func (s *ManualStore) OpenCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// Resolve stores the operator's resolution for conflict id.
func (s *ManualStore) Resolve(ctx context.Context, id string, res Result) (Entry, error) {
	if !res.WasResolved {
		return Entry{}, fmt.Errorf("resolution for %s is not resolved", id)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal resolution: %w", err)
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var resolved int
		err := tx.QueryRowContext(ctx, `SELECT resolved FROM conflicts WHERE id = ?`, id).Scan(&resolved)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load conflict %s: %w", id, err)
		}
		if resolved != 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conflicts SET resolved = 1, resolved_at = ?, resolved_data = ? WHERE id = ?`,
			db.FormatTime(res.ResolvedAt), string(data), id)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return s.Get(ctx, id)
}

func nullPayload(p types.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := p.Marshal()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var conflictType, detectedAt, fields, strategy string
		var local, remote, localTS, remoteTS, errMsg, resolvedAt, resolvedData, mutationID sql.NullString
		var resolved int

		if err := rows.Scan(
			&e.Conflict.ID,
			&e.Conflict.RecordID,
			&e.Conflict.Collection,
			&conflictType,
			&local,
			&remote,
			&localTS,
			&remoteTS,
			&detectedAt,
			&fields,
			&strategy,
			&errMsg,
			&resolved,
			&resolvedAt,
			&resolvedData,
			&mutationID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		e.Conflict.Type = Type(conflictType)
		e.Strategy = Strategy(strategy)
		e.ErrorMessage = errMsg.String
		e.MutationID = mutationID.String
		e.Resolved = resolved != 0

		var err error
		if local.Valid {
			if e.Conflict.LocalData, err = types.UnmarshalPayload([]byte(local.String)); err != nil {
				return nil, err
			}
		}
		if remote.Valid {
			if e.Conflict.RemoteData, err = types.UnmarshalPayload([]byte(remote.String)); err != nil {
				return nil, err
			}
		}
		if e.Conflict.LocalTimestamp, err = db.ParseNullTime(localTS); err != nil {
			return nil, err
		}
		if e.Conflict.RemoteTimestamp, err = db.ParseNullTime(remoteTS); err != nil {
			return nil, err
		}
		if e.Conflict.DetectedAt, err = db.ParseTime(detectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &e.Conflict.ConflictingFields); err != nil {
			return nil, fmt.Errorf("conflict %s: failed to parse conflicting fields: %w", e.Conflict.ID, err)
		}
		if resolvedData.Valid {
			var res Result
			if err := json.Unmarshal([]byte(resolvedData.String), &res); err != nil {
				return nil, fmt.Errorf("conflict %s: failed to parse resolution: %w", e.Conflict.ID, err)
			}
			e.Resolution = &res
		}

		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return out, nil
}
