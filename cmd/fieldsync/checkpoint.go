package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: "advanced",
	Short:   "Inspect and clean up sync checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list [sync-type]",
	Short: "List checkpoints, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		syncType := ""
		if len(args) == 1 {
			syncType = args[0]
		}

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		cps, err := e.checkpoints.List(cmd.Context(), syncType)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, cps)
		}
		if len(cps) == 0 {
			fmt.Println(ui.RenderMuted("No checkpoints"))
			return nil
		}

		rows := make([][]string, 0, len(cps))
		for _, cp := range cps {
			rows = append(rows, []string{
				cp.ID, cp.SyncType, checkpointState(e.checkpoints, cp),
				ui.Progress(cp.ProgressPercentage(), 12),
				fmt.Sprintf("%d/%d", cp.ProcessedRecords, cp.TotalRecords),
				fmt.Sprintf("%d", cp.CurrentBatchNumber),
				cp.StartTime.Local().Format(time.DateTime),
			})
		}
		fmt.Print(ui.Table([]string{"ID", "SYNC TYPE", "STATE", "PROGRESS", "RECORDS", "BATCH", "STARTED"}, rows))
		return nil
	},
}

func checkpointState(m *checkpoint.Manager, cp checkpoint.Checkpoint) string {
	switch {
	case cp.IsCompleted():
		return ui.RenderPass("completed")
	case cp.Abandoned:
		return ui.RenderMuted("abandoned")
	case m.IsStale(cp, 0):
		return ui.RenderWarn("stale")
	default:
		return ui.RenderAccent("resumable")
	}
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed and abandoned checkpoints",
	Long: `Delete completed and abandoned checkpoints that started before a cutoff.
Incomplete checkpoints are never pruned.

The cutoff accepts natural language, a duration, or a timestamp:
  fieldsync checkpoint prune --before "2 weeks ago"
  fieldsync checkpoint prune --before "last monday"
  fieldsync checkpoint prune --before 72h
  fieldsync checkpoint prune --before 2026-01-31T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")
		cutoff, err := parseCutoff(before, time.Now())
		if err != nil {
			return err
		}

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.checkpoints.Prune(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("%s Pruned %d checkpoint(s) started before %s\n", ui.RenderPass("✓"), n, cutoff.Local().Format(time.DateTime))
		return nil
	},
}

var checkpointAbandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Abandon an incomplete checkpoint so the next pass starts fresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		e, err := openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		cp, err := e.checkpoints.Abandon(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("%s Abandoned %s (%s, %d/%d records)\n", ui.RenderPass("✓"), cp.ID, cp.SyncType, cp.ProcessedRecords, cp.TotalRecords)
		return nil
	},
}

// parseCutoff reads a natural-language time, a duration before now, or an
// RFC 3339 timestamp.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("cutoff cannot be empty")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand time %q", s)
	}
	return r.Time, nil
}

func init() {
	checkpointPruneCmd.Flags().String("before", "7 days ago", "prune checkpoints started before this time")
	checkpointAbandonCmd.Flags().String("reason", "abandoned by operator", "reason recorded on the checkpoint")

	checkpointCmd.AddCommand(checkpointListCmd, checkpointPruneCmd, checkpointAbandonCmd)
	rootCmd.AddCommand(checkpointCmd)
}
