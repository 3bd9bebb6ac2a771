package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSource reports online while the flag file at Path exists.
// It watches the parent directory so the file may be created and removed
// freely.
type FileSource struct {
	Path   string
	Logger *log.Logger
}

func (f *FileSource) exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Run implements Source.
func (f *FileSource) Run(ctx context.Context, sig *Signal) error {
	if f.Path == "" {
		return fmt.Errorf("flag file path cannot be empty")
	}
	path, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve flag file %s: %w", f.Path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create flag file directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Check after the watch is in place so a change in between isn't missed.
	sig.Set(f.exists())

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != path {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			online := f.exists()
			if sig.Set(online) && f.Logger != nil {
				f.Logger.Printf("Flag file %s: online=%v", path, online)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if f.Logger != nil {
				f.Logger.Printf("Warning: flag file watcher error: %v", err)
			}
		}
	}
}
