package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fieldsync/internal/migrate"
	"github.com/steveyegge/fieldsync/internal/types"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "Inspect and manage queued mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		records, err := migrate.Collect(cmd.Context(), e.queue, false)
		if err != nil {
			return err
		}
		records = filterRecords(records, collection, limit)
		return printRecords(records)
	},
}

var queueDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List mutations held for manual attention",
	Long: `List dead-lettered mutations: records that failed permanently, ran out of
retries, or were routed to manual conflict resolution.

Use 'fieldsync queue requeue <id>' to give a record a fresh retry budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		records, err := e.queue.DeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printRecords(records)
	},
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <collection> <id>",
	Short: "Write a record locally and queue the change",
	Long: `Apply a local create, update or delete and queue it for sync.

Examples:
  fieldsync queue enqueue inspections i-42 --data '{"status":"open"}'
  fieldsync queue enqueue inspections i-42 --op update --data @patch.json
  fieldsync queue enqueue inspections i-42 --op delete`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, _ := cmd.Flags().GetString("op")
		data, _ := cmd.Flags().GetString("data")

		payload, err := readPayload(data)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		rec, err := e.journal.Write(cmd.Context(), types.Operation(op), args[0], args[1], payload)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, rec)
		}
		fmt.Printf("%s Queued %s %s/%s (%s)\n", ui.RenderPass("✓"), rec.Operation, rec.Collection, rec.TargetID, ui.RenderMuted(rec.ID))
		return nil
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-enqueue mutation records from a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := migrate.Import(cmd.Context(), e.queue, args[0], migrate.ImportOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, res)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d of %d records (%d already queued)\n", ui.RenderPass("✓"), verb, res.Enqueued, res.Read, res.Skipped)
		for _, msg := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), msg)
		}
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file|->",
	Short: "Export queued mutations as JSONL or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deadLetters, _ := cmd.Flags().GetBool("dead-letters")
		format, _ := cmd.Flags().GetString("format")
		opts := migrate.ExportOptions{DeadLetters: deadLetters, Format: format}

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		if args[0] == "-" {
			_, err := migrate.Export(cmd.Context(), e.queue, os.Stdout, opts)
			return err
		}
		n, err := migrate.ExportFile(cmd.Context(), e.queue, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Return dead-lettered mutations to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		for _, id := range args {
			if err := e.queue.Requeue(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to requeue %s: %w", id, err)
			}
			fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), id)
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, stats)
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Queue"))
		fmt.Printf("Pending:      %d\n", stats.Pending)
		fmt.Printf("Dead-letter:  %d\n", stats.DeadLetter)
		if len(stats.ByCollection) > 0 {
			rows := make([][]string, 0, len(stats.ByCollection))
			for _, c := range slices.Sorted(maps.Keys(stats.ByCollection)) {
				rows = append(rows, []string{c, fmt.Sprintf("%d", stats.ByCollection[c])})
			}
			fmt.Println()
			fmt.Print(ui.Table([]string{"COLLECTION", "PENDING"}, rows))
		}
		fmt.Println()
		return nil
	},
}

// readPayload parses inline JSON, or a file when prefixed with @.
func readPayload(data string) (types.Payload, error) {
	if data == "" {
		return nil, nil
	}
	raw := []byte(data)
	if strings.HasPrefix(data, "@") {
		var err error
		if data == "@-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(data[1:]) // #nosec G304 - user-supplied payload file
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	return types.UnmarshalPayload(raw)
}

func filterRecords(records []types.MutationRecord, collection string, limit int) []types.MutationRecord {
	out := records[:0]
	for _, r := range records {
		if collection != "" && r.Collection != collection {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func printRecords(records []types.MutationRecord) error {
	if jsonOutput {
		return writeJSON(os.Stdout, records)
	}
	if len(records) == 0 {
		fmt.Println(ui.RenderMuted("No records"))
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		lastErr := r.LastError
		if len(lastErr) > 50 {
			lastErr = lastErr[:47] + "..."
		}
		rows = append(rows, []string{
			r.ID, string(r.Operation), r.Collection, r.TargetID,
			fmt.Sprintf("%d", r.RetryCount), r.CreatedAt.Local().Format(time.DateTime), lastErr,
		})
	}
	fmt.Print(ui.Table([]string{"ID", "OP", "COLLECTION", "TARGET", "RETRIES", "CREATED", "LAST ERROR"}, rows))
	return nil
}

func init() {
	queueListCmd.Flags().String("collection", "", "only this collection")
	queueListCmd.Flags().Int("limit", 100, "maximum records to show (0 = all)")
	queueDeadLettersCmd.Flags().Int("limit", 100, "maximum records to show (0 = all)")
	queueEnqueueCmd.Flags().String("op", string(types.OpCreate), "operation: create, update or delete")
	queueEnqueueCmd.Flags().String("data", "", "record JSON, @file, or @- for stdin")
	queueImportCmd.Flags().Bool("dry-run", false, "validate without enqueueing")
	queueExportCmd.Flags().Bool("dead-letters", false, "export dead-lettered records instead of pending ones")
	queueExportCmd.Flags().String("format", migrate.FormatJSONL, "output format: jsonl or yaml")

	queueCmd.AddCommand(queueListCmd, queueDeadLettersCmd, queueEnqueueCmd, queueImportCmd,
		queueExportCmd, queueRequeueCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}
