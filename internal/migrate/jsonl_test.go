package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

var testNow = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

func newQueue() queue.Store {
	return queue.NewMemoryStore(&queue.Config{MaxRetries: 3, Clock: clock.NewFake(testNow)})
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutations.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadJSONL(t *testing.T) {
	input := `{"id":"m1","operation":"create","collection":"tasks","target_id":"t1","payload":{"title":"a"},"created_at":"2026-06-01T08:00:00Z","retry_count":0}

{"operation":"update","collection":"tasks","target_id":"t1","payload":{"title":"b"},"created_at":"2026-06-01T08:01:00Z","retry_count":0}
`
	recs, err := ReadJSONL(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "m1", recs[0].ID)
	assert.Equal(t, types.StatusPending, recs[0].Status)
	assert.Equal(t, "a", recs[0].Payload["title"])
	assert.NotEmpty(t, recs[1].ID, "missing ids are generated")
	assert.Equal(t, types.OpUpdate, recs[1].Operation)
}

func TestReadJSONL_ReportsLine(t *testing.T) {
	input := `{"id":"m1","operation":"create","collection":"tasks","target_id":"t1","created_at":"2026-06-01T08:00:00Z"}
{not json}
`
	_, err := ReadJSONL(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	path := writeFile(t, `{"id":"m1","operation":"create","collection":"tasks","target_id":"t1","created_at":"2026-06-01T08:00:00Z"}
{"id":"m2","operation":"rename","collection":"tasks","target_id":"t2","created_at":"2026-06-01T08:00:00Z"}
{"id":"m3","operation":"delete","collection":"tasks","target_id":"t3","created_at":"2026-06-01T08:02:00Z"}
`)

	res, err := Import(ctx, q, path, ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 2, res.Enqueued)
	assert.Len(t, res.Errors, 1)
	n, err := q.PendingCount(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n, "dry run enqueues nothing")

	res, err = Import(ctx, q, path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "m2")

	res, err = Import(ctx, q, path, ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)
}

func TestImport_MissingFile(t *testing.T) {
	_, err := Import(context.Background(), newQueue(), filepath.Join(t.TempDir(), "nope.jsonl"), ImportOptions{})
	require.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newQueue()
	for i, id := range []string{"a", "b", "c"} {
		rec := types.NewMutation(types.OpCreate, "tasks", id, types.Payload{"n": float64(i)}, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, src.Enqueue(ctx, rec))
	}

	path := filepath.Join(t.TempDir(), "out", "pending.jsonl")
	n, err := ExportFile(ctx, src, path, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dst := newQueue()
	res, err := Import(ctx, dst, path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Enqueued)

	got, err := dst.DequeueBatch(ctx, 10, false, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].TargetID)
	assert.Nil(t, got[0].SyncTimestamp, "export does not stamp records")
}

func TestExportDeadLettersAsYAML(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	rec := types.NewMutation(types.OpUpdate, "tasks", "t1", types.Payload{"title": "x"}, testNow)
	require.NoError(t, q.Enqueue(ctx, rec))
	_, err := q.MarkOutcome(ctx, rec.ID, types.Outcome{Permanent: true, Error: "unauthorized"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := Export(ctx, q, &buf, ExportOptions{DeadLetters: true, Format: FormatYAML})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var docs []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, rec.ID, docs[0]["id"])
	assert.Equal(t, "unauthorized", docs[0]["last_error"])
	assert.Equal(t, "dead_letter", docs[0]["status"])

	_, err = Export(ctx, q, &buf, ExportOptions{Format: "xml"})
	require.Error(t, err)
}
