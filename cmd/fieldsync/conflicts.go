package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "data",
	Short:   "Review conflicts that need manual resolution",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.manual.List(cmd.Context(), all, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No conflicts"))
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, en := range entries {
			state := ui.RenderWarn("open")
			if en.Resolved {
				state = ui.RenderPass("resolved")
			}
			rows = append(rows, []string{
				en.Conflict.ID, en.Conflict.Collection, en.Conflict.RecordID,
				string(en.Conflict.Type), strings.Join(en.Conflict.ConflictingFields, ","),
				state, en.Conflict.DetectedAt.Local().Format(time.DateTime),
			})
		}
		fmt.Print(ui.Table([]string{"ID", "COLLECTION", "RECORD", "TYPE", "FIELDS", "STATE", "DETECTED"}, rows))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict and queue the result",
	Long: `Resolve a stored conflict by choosing a side or merging, then write the
result locally and queue it for sync.

Without --strategy an interactive prompt shows both versions. Strategies:
  localWins      keep this device's version
  remoteWins     keep the remote version
  lastWriteWins  keep the newer version
  smartMerge     merge field by field (fails on overlapping edits)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyName, _ := cmd.Flags().GetString("strategy")
		ctx := cmd.Context()

		e, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		entry, err := e.manual.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if entry.Resolved {
			return fmt.Errorf("%w: %s", conflict.ErrAlreadyResolved, args[0])
		}

		if strategyName == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("--strategy is required when stdin is not a terminal")
			}
			printConflict(entry.Conflict)
			strategyName, err = promptStrategy(entry.Conflict)
			if err != nil {
				return err
			}
		}
		strategy, err := conflict.ParseStrategy(strategyName)
		if err != nil {
			return err
		}

		res, err := e.resolver.Choose(entry.Conflict, strategy)
		if err != nil {
			return err
		}
		if _, err := e.manual.Resolve(ctx, entry.Conflict.ID, res); err != nil {
			return err
		}

		op, payload := types.OpUpdate, res.ResolvedData
		if res.Deleted {
			op, payload = types.OpDelete, nil
		}
		rec, err := e.journal.Write(ctx, op, entry.Conflict.Collection, entry.Conflict.RecordID, payload)
		if err != nil {
			return fmt.Errorf("resolved %s but failed to queue it: %w", entry.Conflict.ID, err)
		}

		discarded, err := discardResolved(ctx, e.queue, entry.MutationID)
		if err != nil {
			return fmt.Errorf("resolved %s but failed to drop mutation %s: %w", entry.Conflict.ID, entry.MutationID, err)
		}

		fmt.Printf("%s Resolved %s with %s; queued %s %s\n", ui.RenderPass("✓"), entry.Conflict.ID, strategy, rec.Operation, ui.RenderMuted(rec.ID))
		if discarded {
			fmt.Printf("  dropped dead-lettered mutation %s\n", ui.RenderMuted(entry.MutationID))
		}
		return nil
	},
}

// discardResolved removes the dead-lettered mutation a resolved conflict came
// from. A mutation that is gone or was already requeued is left alone.
func discardResolved(ctx context.Context, q queue.Store, mutationID string) (bool, error) {
	if mutationID == "" {
		return false, nil
	}
	err := q.Discard(ctx, mutationID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrNotDeadLetter):
		return false, nil
	default:
		return false, err
	}
}

func promptStrategy(c conflict.DataConflict) (string, error) {
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Resolve %s/%s (%s)", c.Collection, c.RecordID, c.Type)).
			Options(
				huh.NewOption("Keep local version", string(conflict.StrategyLocalWins)),
				huh.NewOption("Keep remote version", string(conflict.StrategyRemoteWins)),
				huh.NewOption("Keep newer version", string(conflict.StrategyLastWriteWins)),
				huh.NewOption("Merge fields", string(conflict.StrategySmartMerge)),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", fmt.Errorf("resolution cancelled")
		}
		return "", err
	}
	return choice, nil
}

func printConflict(c conflict.DataConflict) {
	fmt.Printf("\n%s %s/%s %s\n\n", ui.RenderHeader("Conflict"), c.Collection, c.RecordID, ui.RenderMuted(string(c.Type)))

	keys := make(map[string]bool)
	for k := range c.LocalData {
		keys[k] = true
	}
	for k := range c.RemoteData {
		keys[k] = true
	}
	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	conflicting := make(map[string]bool, len(c.ConflictingFields))
	for _, f := range c.ConflictingFields {
		conflicting[f] = true
	}

	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		name := f
		if conflicting[f] {
			name = ui.RenderWarn(f)
		}
		rows = append(rows, []string{name, renderValue(c.LocalData, f), renderValue(c.RemoteData, f)})
	}
	fmt.Print(ui.Table([]string{"FIELD", "LOCAL " + renderTime(c.LocalTimestamp), "REMOTE " + renderTime(c.RemoteTimestamp)}, rows))
	fmt.Println()
}

func renderValue(p types.Payload, field string) string {
	if p == nil {
		return ui.RenderMuted("(absent)")
	}
	v, ok := p[field]
	if !ok {
		return ui.RenderMuted("-")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(b)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}

func renderTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return "(" + t.Local().Format(time.DateTime) + ")"
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "include resolved conflicts")
	conflictsListCmd.Flags().Int("limit", 100, "maximum conflicts to show (0 = all)")
	conflictsResolveCmd.Flags().String("strategy", "", "localWins, remoteWins, lastWriteWins or smartMerge")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
