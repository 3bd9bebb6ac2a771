package daemon_test

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/connectivity"
	"github.com/steveyegge/fieldsync/internal/daemon"
	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/remote"
)

// Example_flagFile runs the daemon with connectivity driven by a flag file:
// passes run while the file exists, and an interrupted pass resumes as soon
// as it reappears. Dropped *.jsonl files in the inbox are queued.
func Example_flagFile() {
	q := queue.NewMemoryStore(nil)
	cps, err := checkpoint.NewManager(checkpoint.NewMemoryRepository(), nil)
	if err != nil {
		log.Fatal(err)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Queue:       q,
		Checkpoints: cps,
		Remote:      remote.NewMemoryStore(nil),
	})
	if err != nil {
		log.Fatal(err)
	}

	d, err := daemon.NewWithConfig(orch, connectivity.NewSignal(false, nil), &daemon.Config{
		SyncTypes:        []string{"inspections", "photos"},
		SyncInterval:     time.Minute,
		Source:           &connectivity.FileSource{Path: os.TempDir() + "/fieldsync-online"},
		InboxDir:         os.TempDir() + "/fieldsync-inbox",
		Queue:            q,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.Ltime),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Blocks until ctx is done.
	if err := d.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
