package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/fieldsync/internal/clock"
	"github.com/steveyegge/fieldsync/internal/keylock"
)

// Repository stores checkpoints.
type Repository interface {
	Save(ctx context.Context, cp Checkpoint) error
	Get(ctx context.Context, id string) (Checkpoint, error)
	// List returns checkpoints for syncType (all types when empty), newest first.
	List(ctx context.Context, syncType string) ([]Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// Config holds configuration for the Manager.
type Config struct {
	// MaxAge is the staleness threshold (default: DefaultMaxAge).
	MaxAge time.Duration

	// Clock supplies start and update times.
	Clock clock.Clock

	// Logger for checkpoint activity (default: discard).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAge: DefaultMaxAge,
		Clock:  clock.Real{},
		Logger: log.New(io.Discard, "", 0),
	}
}

// Manager creates, advances and completes checkpoints. Writes to one
// checkpoint id are serialized; different ids proceed in parallel.
type Manager struct {
	repo   Repository
	config *Config
	locks  keylock.Map
}

// NewManager creates a Manager over repo.
func NewManager(repo Repository, config *Config) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Manager{repo: repo, config: &cfg}, nil
}

// MaxAge returns the configured staleness threshold.
func (m *Manager) MaxAge() time.Duration {
	return m.config.MaxAge
}

// Create starts a checkpoint for a new pass.
func (m *Manager) Create(ctx context.Context, syncType string, totalRecords int, syncContext map[string]any) (Checkpoint, error) {
	if syncType == "" {
		return Checkpoint{}, fmt.Errorf("syncType cannot be empty")
	}
	now := m.config.Clock.Now()
	cp := Checkpoint{
		ID:           uuid.NewString(),
		SyncType:     syncType,
		StartTime:    now,
		UpdatedAt:    now,
		TotalRecords: totalRecords,
	}
	if len(syncContext) > 0 {
		cp.SyncContext = make(map[string]any, len(syncContext))
		for k, v := range syncContext {
			cp.SyncContext[k] = v
		}
	}
	cp = cp.normalized()

	if err := m.repo.Save(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	m.config.Logger.Printf("Created checkpoint %s for %s (%d records)", cp.ID, syncType, totalRecords)
	return cp, nil
}

// Get loads a checkpoint.
func (m *Manager) Get(ctx context.Context, id string) (Checkpoint, error) {
	return m.repo.Get(ctx, id)
}

// Update applies a partial update to an open checkpoint.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (Checkpoint, error) {
	return m.modify(ctx, id, func(cp Checkpoint) (Checkpoint, error) {
		return patch.apply(cp), nil
	})
}

// Complete marks the checkpoint as finished. A completed checkpoint is
// never modified again.
func (m *Manager) Complete(ctx context.Context, id string) (Checkpoint, error) {
	cp, err := m.modify(ctx, id, func(cp Checkpoint) (Checkpoint, error) {
		now := m.config.Clock.Now()
		cp.CompletedAt = &now
		return cp, nil
	})
	if err != nil {
		return Checkpoint{}, err
	}
	m.config.Logger.Printf("Completed checkpoint %s (%d/%d records)", cp.ID, cp.ProcessedRecords, cp.TotalRecords)
	return cp, nil
}

// Abandon marks an open checkpoint as abandoned so it is never resumed.
func (m *Manager) Abandon(ctx context.Context, id, reason string) (Checkpoint, error) {
	cp, err := m.modify(ctx, id, func(cp Checkpoint) (Checkpoint, error) {
		cp.Abandoned = true
		if reason != "" {
			cp.LastError = &reason
		}
		return cp, nil
	})
	if err != nil {
		return Checkpoint{}, err
	}
	m.config.Logger.Printf("Abandoned checkpoint %s: %s", id, reason)
	return cp, nil
}

func (m *Manager) modify(ctx context.Context, id string, fn func(Checkpoint) (Checkpoint, error)) (Checkpoint, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cp, err := m.repo.Get(ctx, id)
	if err != nil {
		return Checkpoint{}, err
	}
	if cp.IsCompleted() {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCompleted, id)
	}
	if cp.Abandoned {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrAbandoned, id)
	}

	next, err := fn(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	next.UpdatedAt = m.config.Clock.Now()

	if err := m.repo.Save(ctx, next); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to save checkpoint %s: %w", id, err)
	}
	return next, nil
}

// IsStale reports whether cp is past the manager's max age.
func (m *Manager) IsStale(cp Checkpoint, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = m.config.MaxAge
	}
	return cp.IsStale(m.config.Clock.Now(), maxAge)
}

// FindIncompleteSync returns the newest resumable checkpoint for syncType,
// or nil when there is none. Stale checkpoints found along the way are
// marked abandoned so they are never resumed.
func (m *Manager) FindIncompleteSync(ctx context.Context, syncType string) (*Checkpoint, error) {
	all, err := m.repo.List(ctx, syncType)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var found *Checkpoint
	for _, cp := range all {
		if cp.IsCompleted() || cp.Abandoned {
			continue
		}
		if m.IsStale(cp, 0) {
			if _, err := m.Abandon(ctx, cp.ID, "stale: no completion within max age"); err != nil {
				m.config.Logger.Printf("Warning: failed to abandon stale checkpoint %s: %v", cp.ID, err)
			}
			continue
		}
		if found == nil {
			cp := cp
			found = &cp
		}
	}
	return found, nil
}

// List returns checkpoints for syncType (all when empty), newest first.
func (m *Manager) List(ctx context.Context, syncType string) ([]Checkpoint, error) {
	return m.repo.List(ctx, syncType)
}

// Prune deletes completed and abandoned checkpoints that started before cutoff.
func (m *Manager) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := m.repo.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	removed := 0
	for _, cp := range all {
		if !cp.IsCompleted() && !cp.Abandoned {
			continue
		}
		if !cp.StartTime.Before(cutoff) {
			continue
		}
		if err := m.repo.Delete(ctx, cp.ID); err != nil {
			return removed, fmt.Errorf("failed to delete checkpoint %s: %w", cp.ID, err)
		}
		removed++
	}
	return removed, nil
}

func sortNewestFirst(cps []Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].StartTime.After(cps[j].StartTime)
	})
}
