package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/db"
)

var testNow = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

func repositories(t *testing.T) map[string]Repository {
	database, err := db.OpenWithSchema(context.Background(), db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	sqliteRepo, err := NewSQLiteRepository(database)
	require.NoError(t, err)

	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqliteRepo,
	}
}

func runForEachRepo(t *testing.T, fn func(t *testing.T, m *Manager, clk *clock.Fake)) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(testNow)
			m, err := NewManager(repo, &Config{MaxAge: 2 * time.Hour, Clock: clk})
			require.NoError(t, err)
			fn(t, m, clk)
		})
	}
}

func TestNewManagerRequiresRepository(t *testing.T) {
	_, err := NewManager(nil, nil)
	assert.Error(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	runForEachRepo(t, func(t *testing.T, m *Manager, clk *clock.Fake) {
		ctx := context.Background()

		cp, err := m.Create(ctx, "inspections", 100, map[string]any{"source": "test"})
		require.NoError(t, err)
		assert.NotEmpty(t, cp.ID)
		assert.Equal(t, 0, cp.ProcessedRecords)

		clk.Advance(time.Minute)
		cp, err = m.Update(ctx, cp.ID, Patch{
			ProcessedRecords:   Int(50),
			CurrentBatchNumber: Int(1),
			AddProcessedBatch:  "batch-1",
			AddFailedRecords:   []string{"r7"},
		})
		require.NoError(t, err)

		loaded, err := m.Get(ctx, cp.ID)
		require.NoError(t, err)
		assert.Equal(t, 50, loaded.ProcessedRecords)
		assert.Equal(t, []string{"batch-1"}, loaded.ProcessedBatches)
		assert.Equal(t, []string{"r7"}, loaded.FailedRecords)
		assert.Equal(t, "test", loaded.SyncContext["source"])
		assert.True(t, loaded.UpdatedAt.Equal(testNow.Add(time.Minute)))

		done, err := m.Complete(ctx, cp.ID)
		require.NoError(t, err)
		assert.True(t, done.IsCompleted())

		_, err = m.Update(ctx, cp.ID, Patch{ProcessedRecords: Int(60)})
		assert.True(t, errors.Is(err, ErrCompleted))
	})
}

func TestGetMissing(t *testing.T) {
	runForEachRepo(t, func(t *testing.T, m *Manager, clk *clock.Fake) {
		_, err := m.Get(context.Background(), "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestFindIncompleteSync(t *testing.T) {
	runForEachRepo(t, func(t *testing.T, m *Manager, clk *clock.Fake) {
		ctx := context.Background()

		found, err := m.FindIncompleteSync(ctx, "assets")
		require.NoError(t, err)
		assert.Nil(t, found)

		// Stale: started three hours ago and never completed.
		clk.Set(testNow.Add(-3 * time.Hour))
		stale, err := m.Create(ctx, "assets", 10, nil)
		require.NoError(t, err)

		// Completed.
		clk.Set(testNow.Add(-30 * time.Minute))
		completed, err := m.Create(ctx, "assets", 10, nil)
		require.NoError(t, err)
		_, err = m.Complete(ctx, completed.ID)
		require.NoError(t, err)

		// Resumable.
		clk.Set(testNow.Add(-10 * time.Minute))
		open, err := m.Create(ctx, "assets", 10, nil)
		require.NoError(t, err)

		// Other sync type.
		_, err = m.Create(ctx, "photos", 10, nil)
		require.NoError(t, err)

		clk.Set(testNow)
		found, err = m.FindIncompleteSync(ctx, "assets")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, open.ID, found.ID)

		abandoned, err := m.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.True(t, abandoned.Abandoned)
		require.NotNil(t, abandoned.LastError)

		// Once the open one goes stale nothing is resumable.
		clk.Advance(3 * time.Hour)
		found, err = m.FindIncompleteSync(ctx, "assets")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestPrune(t *testing.T) {
	runForEachRepo(t, func(t *testing.T, m *Manager, clk *clock.Fake) {
		ctx := context.Background()

		old, err := m.Create(ctx, "assets", 1, nil)
		require.NoError(t, err)
		_, err = m.Complete(ctx, old.ID)
		require.NoError(t, err)

		openOld, err := m.Create(ctx, "assets", 1, nil)
		require.NoError(t, err)

		clk.Advance(24 * time.Hour)
		recent, err := m.Create(ctx, "assets", 1, nil)
		require.NoError(t, err)
		_, err = m.Complete(ctx, recent.ID)
		require.NoError(t, err)

		removed, err := m.Prune(ctx, testNow.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		all, err := m.List(ctx, "")
		require.NoError(t, err)
		var remaining []string
		for _, cp := range all {
			remaining = append(remaining, cp.ID)
		}
		assert.ElementsMatch(t, []string{openOld.ID, recent.ID}, remaining)
		assert.Equal(t, recent.ID, all[0].ID, "newest first")
	})
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	runForEachRepo(t, func(t *testing.T, m *Manager, clk *clock.Fake) {
		ctx := context.Background()
		cp, err := m.Create(ctx, "assets", 50, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.Update(ctx, cp.ID, Patch{AddFailedRecords: []string{string(rune('a' + i))}})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		loaded, err := m.Get(ctx, cp.ID)
		require.NoError(t, err)
		assert.Len(t, loaded.FailedRecords, 20)
	})
}
