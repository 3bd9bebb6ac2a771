package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/fieldsync/internal/connectivity"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

// fakeRunner records passes.
type fakeRunner struct {
	mu         sync.Mutex
	calls      []string
	incomplete map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{incomplete: make(map[string]bool)}
}

func (r *fakeRunner) Run(ctx context.Context, syncType string) (types.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncType)
	delete(r.incomplete, syncType)
	return types.SyncResult{SyncType: syncType}, nil
}

func (r *fakeRunner) HasIncomplete(ctx context.Context, syncType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incomplete[syncType], nil
}

func (r *fakeRunner) setIncomplete(syncType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incomplete[syncType] = true
}

func (r *fakeRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testConfig(syncTypes ...string) *Config {
	return &Config{
		SyncTypes:        syncTypes,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d in the background and stops it when the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestNew(t *testing.T) {
	runner := newFakeRunner()
	sig := connectivity.NewSignal(true, nil)

	tests := []struct {
		name    string
		runner  Runner
		signal  *connectivity.Signal
		config  *Config
		wantErr bool
	}{
		{name: "valid configuration", runner: runner, signal: sig, config: testConfig("field")},
		{name: "nil runner", signal: sig, config: testConfig("field"), wantErr: true},
		{name: "nil signal", runner: runner, config: testConfig("field"), wantErr: true},
		{name: "no sync types", runner: runner, signal: sig, config: testConfig(), wantErr: true},
		{
			name:    "inbox without queue",
			runner:  runner,
			signal:  sig,
			config:  &Config{SyncTypes: []string{"field"}, InboxDir: t.TempDir()},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.runner, tt.signal, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, d)
		})
	}
}

func TestStartupSyncsEveryType(t *testing.T) {
	runner := newFakeRunner()
	d, err := NewWithConfig(runner, connectivity.NewSignal(true, nil), testConfig("field", "office"))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool { return len(runner.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"field", "office"}, runner.snapshot())
	assert.Equal(t, ReasonStartup, d.Stats().LastReason)
}

func TestReconnectResumesIncompleteOnly(t *testing.T) {
	runner := newFakeRunner()
	sig := connectivity.NewSignal(false, nil)
	d, err := NewWithConfig(runner, sig, testConfig("field", "office"))
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool { return d.Stats().SkippedOffline == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, runner.snapshot(), "no pass starts while offline")

	runner.setIncomplete("office")
	sig.Set(true)

	require.Eventually(t, func() bool { return len(runner.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"office"}, runner.snapshot())
	assert.Equal(t, ReasonReconnect, d.Stats().LastReason)
}

func TestIntervalTriggersPasses(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig("field")
	cfg.SyncInterval = 10 * time.Millisecond
	d, err := NewWithConfig(runner, connectivity.NewSignal(true, nil), cfg)
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool { return len(runner.snapshot()) >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSourceDrivesSignal(t *testing.T) {
	runner := newFakeRunner()
	sig := connectivity.NewSignal(false, nil)
	cfg := testConfig("field")
	cfg.Source = connectivity.Always{}
	d, err := NewWithConfig(runner, sig, cfg)
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, sig.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerCoalesces(t *testing.T) {
	d, err := NewWithConfig(newFakeRunner(), connectivity.NewSignal(true, nil), testConfig("field"))
	require.NoError(t, err)

	d.Trigger(ReasonManual)
	d.Trigger(ReasonManual)
	d.Trigger(ReasonInterval)
	assert.Len(t, d.trigger, 1)
	require.NoError(t, d.Stop())
}

const inboxLine = `{"id":"%s","operation":"create","collection":"tasks","target_id":"%s","created_at":"2026-06-01T08:00:00Z"}` + "\n"

func writeInbox(t *testing.T, dir, name string, ids ...string) {
	t.Helper()
	var content string
	for _, id := range ids {
		content += fmt.Sprintf(inboxLine, id, "t-"+id)
	}
	// Write under a dot-name first so the watcher sees a complete file.
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestInboxImportsDroppedFiles(t *testing.T) {
	ctx := context.Background()
	inbox := t.TempDir()
	q := queue.NewMemoryStore(nil)

	writeInbox(t, inbox, "early.jsonl", "m1", "m2")

	runner := newFakeRunner()
	cfg := testConfig("tasks")
	cfg.InboxDir = inbox
	cfg.Queue = q
	d, err := NewWithConfig(runner, connectivity.NewSignal(true, nil), cfg)
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool { return d.Stats().FilesImported == 1 }, 2*time.Second, 5*time.Millisecond)

	writeInbox(t, inbox, "late.jsonl", "m3")
	require.Eventually(t, func() bool { return d.Stats().FilesImported == 2 }, 2*time.Second, 5*time.Millisecond)

	n, err := q.PendingCount(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := filepath.Glob(filepath.Join(inbox, "*.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, left)
	processed, err := filepath.Glob(filepath.Join(inbox, ProcessedDir, "*"))
	require.NoError(t, err)
	assert.Len(t, processed, 2)

	require.Eventually(t, func() bool { return d.Stats().LastReason == ReasonInbox }, 2*time.Second, 5*time.Millisecond)
}

func TestInboxMovesUnparseableFiles(t *testing.T) {
	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "bad.jsonl"), []byte("{not json}\n"), 0600))

	cfg := testConfig("tasks")
	cfg.InboxDir = inbox
	cfg.Queue = queue.NewMemoryStore(nil)
	d, err := NewWithConfig(newFakeRunner(), connectivity.NewSignal(true, nil), cfg)
	require.NoError(t, err)
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		failed, _ := filepath.Glob(filepath.Join(inbox, FailedDir, "*"))
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Stats().FilesImported)
}
