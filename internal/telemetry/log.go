// Package telemetry collects what the sync engine reports about itself: a
// bounded structured event log, process-wide sync metrics, and a fan-out to
// external sinks such as the dashboard.
//
// Every type here is safe for concurrent use; independent sync types write
// to the same Log and Metrics at once.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/fieldsync/internal/clock"
)

// Level is a log severity.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether l is as severe as min. An empty min matches all.
func (l Level) AtLeast(min Level) bool {
	if min == "" {
		return true
	}
	return l.rank() >= min.rank()
}

// ParseLevel converts a name into a Level. "warn" is accepted for warning.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Entry is one structured log event.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp" yaml:"timestamp"`
	Level        Level          `json:"level" yaml:"level"`
	Operation    string         `json:"operation" yaml:"operation"`
	Message      string         `json:"message" yaml:"message"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty" yaml:"checkpointId,omitempty"`
}

// DefaultLogCapacity is how many entries a Log keeps.
const DefaultLogCapacity = 1000

// Log is a bounded, queryable event log. Once full, the oldest entries are
// overwritten.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	clock   clock.Clock
	mirror  *log.Logger
}

// NewLog creates a log holding up to capacity entries. Entries are also
// printed to mirror when it is non-nil.
func NewLog(capacity int, c clock.Clock, mirror *log.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		clock:   clock.OrReal(c),
		mirror:  mirror,
	}
}

// Write appends e, stamping it with the current time if unset.
func (l *Log) Write(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.mirror != nil {
		if e.CheckpointID != "" {
			l.mirror.Printf("%s %s: %s (checkpoint %s)", strings.ToUpper(string(e.Level)), e.Operation, e.Message, e.CheckpointID)
		} else {
			l.mirror.Printf("%s %s: %s", strings.ToUpper(string(e.Level)), e.Operation, e.Message)
		}
	}
}

// Recent returns up to limit entries at or above minLevel, newest first.
// limit <= 0 returns every match.
func (l *Log) Recent(limit int, minLevel Level) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}
	var out []Entry
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if !e.Level.AtLeast(minLevel) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// CountByLevel tallies stored entries per level.
func (l *Log) CountByLevel() map[Level]int {
	counts := make(map[Level]int)
	for _, e := range l.Recent(0, "") {
		counts[e.Level]++
	}
	return counts
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next = 0
	l.full = false
}

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Export renders entries at or above minLevel, oldest first, as JSON or YAML.
func (l *Log) Export(minLevel Level, format string) ([]byte, error) {
	entries := l.Recent(0, minLevel)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if entries == nil {
		entries = []Entry{}
	}

	switch format {
	case "", FormatJSON:
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to export logs: %w", err)
		}
		return data, nil
	case FormatYAML:
		data, err := yaml.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to export logs: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}
