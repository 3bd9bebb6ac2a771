package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/fieldsync/internal/migrate"
)

// Inbox subdirectories for imported files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

func isInboxFile(path string) bool {
	return strings.HasSuffix(path, ".jsonl") && !strings.HasPrefix(filepath.Base(path), ".")
}

// watchInboxEvents monitors the inbox and queues changed files.
func (d *Daemon) watchInboxEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about files being written
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isInboxFile(event.Name) {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports queued files once they have been quiet for
// DebounceInterval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.processPendingChanges(time.Now()) > 0 {
				d.Trigger(ReasonInbox)
			}
		}
	}
}

// processPendingChanges imports every settled file and returns how many
// records were enqueued.
func (d *Daemon) processPendingChanges(now time.Time) int {
	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(ready)
	enqueued := 0
	for _, path := range ready {
		enqueued += d.importFile(path)
	}
	return enqueued
}

// importExisting imports files left in the inbox while the daemon was down.
func (d *Daemon) importExisting() error {
	matches, err := filepath.Glob(filepath.Join(d.config.InboxDir, "*.jsonl"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		if isInboxFile(path) {
			d.importFile(path)
		}
	}
	return nil
}

// importFile enqueues the records in path and moves the file aside.
func (d *Daemon) importFile(path string) int {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0
	}

	d.config.Logger.Printf("Importing %s", path)
	res, err := migrate.Import(d.ctx, d.config.Queue, path, migrate.ImportOptions{})
	if err != nil {
		d.config.Logger.Printf("Error importing %s: %v", path, err)
		d.moveAside(path, FailedDir)
		return 0
	}
	for _, msg := range res.Errors {
		d.config.Logger.Printf("Warning: %s: %s", filepath.Base(path), msg)
	}
	d.config.Logger.Printf("Imported %s: %d enqueued, %d already queued, %d invalid",
		filepath.Base(path), res.Enqueued, res.Skipped, len(res.Errors))

	d.moveAside(path, ProcessedDir)
	d.statsMu.Lock()
	d.stats.FilesImported++
	d.statsMu.Unlock()
	return res.Enqueued
}

func (d *Daemon) moveAside(path, sub string) {
	dir := filepath.Join(d.config.InboxDir, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		d.config.Logger.Printf("Error creating %s: %v", dir, err)
		return
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(path), time.Now().Format("20060102-150405.000")))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error moving %s: %v", path, err)
	}
}
