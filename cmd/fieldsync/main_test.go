package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseCutoff("72h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-72*time.Hour), got)

	got, err = parseCutoff("2026-01-31T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), got)

	got, err = parseCutoff("2026-02-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseCutoff("yesterday", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now))

	_, err = parseCutoff("", now)
	assert.Error(t, err)
	_, err = parseCutoff("whenever", now)
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	p, err := readPayload(`{"status":"open","count":2}`)
	require.NoError(t, err)
	assert.Equal(t, "open", p["status"])

	path := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"status":"closed"}`), 0o600))
	p, err = readPayload("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "closed", p["status"])

	p, err = readPayload("")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = readPayload("{not json")
	assert.Error(t, err)
}

func TestFilterRecords(t *testing.T) {
	now := time.Now()
	recs := []types.MutationRecord{
		types.NewMutation(types.OpCreate, "a", "1", nil, now),
		types.NewMutation(types.OpCreate, "b", "2", nil, now),
		types.NewMutation(types.OpCreate, "a", "3", nil, now),
		types.NewMutation(types.OpCreate, "a", "4", nil, now),
	}

	got := filterRecords(append([]types.MutationRecord(nil), recs...), "a", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].TargetID)
	assert.Equal(t, "3", got[1].TargetID)

	assert.Len(t, filterRecords(append([]types.MutationRecord(nil), recs...), "", 0), 4)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"sync", "run"}, {"sync", "status"},
		{"queue", "list"}, {"queue", "enqueue"}, {"queue", "import"}, {"queue", "export"},
		{"queue", "dead-letters"}, {"queue", "requeue"}, {"queue", "stats"},
		{"checkpoint", "list"}, {"checkpoint", "prune"}, {"checkpoint", "abandon"},
		{"conflicts", "list"}, {"conflicts", "resolve"},
		{"daemon"}, {"loadtest"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestDiscardResolved(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryStore(nil)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	dead := types.NewMutation(types.OpUpdate, "logEntries", "log-1", types.Payload{"mood": 4}, created)
	pending := types.NewMutation(types.OpUpdate, "logEntries", "log-2", types.Payload{"mood": 2}, created)
	require.NoError(t, q.Enqueue(ctx, dead))
	require.NoError(t, q.Enqueue(ctx, pending))
	_, err := q.MarkOutcome(ctx, dead.ID, types.Outcome{Permanent: true, Error: "manual resolution"})
	require.NoError(t, err)

	ok, err := discardResolved(ctx, q, dead.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = q.Get(ctx, dead.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	ok, err = discardResolved(ctx, q, dead.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already gone")

	ok, err = discardResolved(ctx, q, pending.ID)
	require.NoError(t, err)
	assert.False(t, ok, "requeued mutations stay queued")
	_, err = q.Get(ctx, pending.ID)
	assert.NoError(t, err)

	ok, err = discardResolved(ctx, q, "")
	require.NoError(t, err)
	assert.False(t, ok)
}
