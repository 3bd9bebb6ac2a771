package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sync.db")

	database, err := OpenWithSchema(context.Background(), path)
	require.NoError(t, err)
	defer database.Close()

	assert.Equal(t, path, database.Path())

	var mode string
	require.NoError(t, database.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestInitSchema_Idempotent(t *testing.T) {
	database, err := Open(MemoryPath)
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	require.NoError(t, database.InitSchema(ctx))
	require.NoError(t, database.InitSchema(ctx))

	for _, table := range []string{"mutations", "checkpoints", "local_records", "conflicts"} {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestInitSchema_AddsMissingColumns(t *testing.T) {
	database, err := Open(MemoryPath)
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	_, err = database.Conn().ExecContext(ctx, `CREATE TABLE conflicts (
		id TEXT PRIMARY KEY, record_id TEXT NOT NULL, collection TEXT NOT NULL,
		conflict_type TEXT NOT NULL, local_data TEXT, remote_data TEXT,
		local_timestamp TEXT, remote_timestamp TEXT, detected_at TEXT NOT NULL,
		conflicting_fields TEXT NOT NULL DEFAULT '[]', strategy TEXT NOT NULL,
		error_message TEXT, resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT, resolved_data TEXT)`)
	require.NoError(t, err)

	require.NoError(t, database.InitSchema(ctx))
	require.NoError(t, database.InitSchema(ctx))

	var n int
	require.NoError(t, database.Conn().QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('conflicts') WHERE name = 'mutation_id'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	database, err := OpenWithSchema(context.Background(), MemoryPath)
	require.NoError(t, err)
	defer database.Close()

	boom := errors.New("boom")
	err = database.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO local_records (collection, id, updated_at) VALUES ('c', '1', 'x')`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, database.Conn().QueryRow("SELECT COUNT(*) FROM local_records").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestTimeHelpers(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	parsed, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	assert.False(t, NullTime(nil).Valid)
	ns := NullTime(&ts)
	require.True(t, ns.Valid)

	got, err := ParseNullTime(ns)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))

	none, err := ParseNullTime(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}

func TestClose_Twice(t *testing.T) {
	database, err := Open(MemoryPath)
	require.NoError(t, err)
	require.NoError(t, database.Close())
	require.NoError(t, database.Close())
}
