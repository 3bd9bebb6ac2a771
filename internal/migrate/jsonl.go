// Package migrate moves mutation records in and out of the queue as JSON
// Lines, for bulk loading, backups and handing dead letters to operators.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

// exportLimit bounds a single pending export.
const exportLimit = 1 << 20

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun bool // Validate without enqueueing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Enqueued int
	Skipped  int // Already queued
	Errors   []string
}

// ExportOptions configures Export.
type ExportOptions struct {
	DeadLetters bool   // Export dead letters instead of pending records
	Format      string // FormatJSONL (default) or FormatYAML
}

// ReadJSONL decodes one mutation record per line. Blank lines are skipped.
// Records without an id get a fresh one; records without a status are
// pending.
func ReadJSONL(r io.Reader) ([]types.MutationRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []types.MutationRecord
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec types.MutationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Status == "" {
			rec.Status = types.StatusPending
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return out, nil
}

// FromJSONL reads a JSONL file of mutation records.
func FromJSONL(path string) ([]types.MutationRecord, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// Import enqueues every record in the JSONL file at path. Invalid records
// are reported in the result and do not stop the import; records whose id
// is already queued are skipped.
func Import(ctx context.Context, q queue.Store, path string, opts ImportOptions) (*ImportResult, error) {
	records, err := FromJSONL(path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Read: len(records)}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if opts.DryRun {
			result.Enqueued++
			continue
		}
		err := q.Enqueue(ctx, rec)
		switch {
		case err == nil:
			result.Enqueued++
		case errors.Is(err, queue.ErrAlreadyQueued):
			result.Skipped++
		case ctx.Err() != nil:
			return result, ctx.Err()
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("failed to enqueue %s: %v", rec.ID, err))
		}
	}
	return result, nil
}

// WriteJSONL encodes records one per line.
func WriteJSONL(w io.Writer, records []types.MutationRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.ID, err)
		}
	}
	return nil
}

// WriteYAML encodes records as a YAML sequence.
func WriteYAML(w io.Writer, records []types.MutationRecord) error {
	docs := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		// Round-trip through JSON so the YAML keys match the JSONL layout.
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.ID, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.ID, err)
		}
		docs = append(docs, doc)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// Collect returns the records Export would write.
func Collect(ctx context.Context, q queue.Store, deadLetters bool) ([]types.MutationRecord, error) {
	if deadLetters {
		recs, err := q.DeadLetters(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		return recs, nil
	}
	recs, err := q.DequeueBatch(ctx, exportLimit, false, queue.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	return recs, nil
}

// Export writes queued records to w and returns how many were written.
func Export(ctx context.Context, q queue.Store, w io.Writer, opts ExportOptions) (int, error) {
	records, err := Collect(ctx, q, opts.DeadLetters)
	if err != nil {
		return 0, err
	}
	switch opts.Format {
	case "", FormatJSONL:
		err = WriteJSONL(w, records)
	case FormatYAML:
		err = WriteYAML(w, records)
	default:
		return 0, fmt.Errorf("unknown export format %q", opts.Format)
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ExportFile writes queued records to path atomically via a temp file.
func ExportFile(ctx context.Context, q queue.Store, path string, opts ExportOptions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	var buf bytes.Buffer
	n, err := Export(ctx, q, &buf, opts)
	if err != nil {
		return 0, err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}
