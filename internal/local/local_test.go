package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/db"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

var testNow = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	database, err := db.OpenWithSchema(context.Background(), db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	s, err := NewSQLiteStore(database)
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": s}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "assets", "a1")
			assert.True(t, IsNotFound(err))

			rec := Record{Collection: "assets", ID: "a1", Data: types.Payload{"name": "pump"}, UpdatedAt: testNow}
			require.NoError(t, s.Save(ctx, rec))

			got, err := s.Get(ctx, "assets", "a1")
			require.NoError(t, err)
			assert.Equal(t, "pump", got.Data["name"])
			assert.True(t, got.UpdatedAt.Equal(testNow))
			assert.Nil(t, got.SyncedAt)
			assert.False(t, got.Synced())
		})
	}
}

func TestQueryUnsyncedOldestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"c", "a", "b"} {
				require.NoError(t, s.Save(ctx, Record{
					Collection: "assets",
					ID:         id,
					Data:       types.Payload{"i": i},
					UpdatedAt:  testNow.Add(time.Duration(i) * time.Minute),
				}))
			}

			require.NoError(t, s.MarkSynced(ctx, "assets", "a", testNow.Add(time.Hour)))

			recs, err := s.QueryUnsynced(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "c", recs[0].ID)
			assert.Equal(t, "b", recs[1].ID)

			limited, err := s.QueryUnsynced(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			// A later local change makes the record unsynced again.
			require.NoError(t, s.Save(ctx, Record{Collection: "assets", ID: "a", UpdatedAt: testNow.Add(2 * time.Hour), SyncedAt: ptr(testNow.Add(time.Hour))}))
			recs, err = s.QueryUnsynced(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, recs, 3)

			assert.True(t, IsNotFound(s.MarkSynced(ctx, "assets", "missing", testNow)))
		})
	}
}

func TestJournalWrite(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(testNow)
	store := NewMemoryStore()
	q := queue.NewMemoryStore(&queue.Config{Clock: clk})

	j, err := NewJournal(store, q, clk)
	require.NoError(t, err)

	m, err := j.Write(ctx, types.OpCreate, "inspections", "i1", types.Payload{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, types.OpCreate, m.Operation)
	assert.True(t, m.CreatedAt.Equal(testNow))

	queued, err := q.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "i1", queued.TargetID)

	rec, err := store.Get(ctx, "inspections", "i1")
	require.NoError(t, err)
	assert.Equal(t, "open", rec.Data["status"])

	clk.Advance(time.Minute)
	_, err = j.Write(ctx, types.OpDelete, "inspections", "i1", nil)
	require.NoError(t, err)
	rec, err = store.Get(ctx, "inspections", "i1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	_, err = j.Write(ctx, types.Operation("upsert"), "inspections", "i1", nil)
	assert.Error(t, err)
}

func ptr(t time.Time) *time.Time { return &t }
