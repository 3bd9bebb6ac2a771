package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/types"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run sync passes and show sync state",
}

var syncRunCmd = &cobra.Command{
	Use:   "run [sync-type...]",
	Short: "Drain the queue for one or more sync types",
	Long: `Run one sync pass per sync type, in order. With no arguments every
configured sync type is synced.

An interrupted pass (Ctrl+C, crash, lost connection) leaves a checkpoint;
the next run of the same sync type resumes from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := syncTypes(args)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := openEngine(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()

		var results []types.SyncResult
		var failed error
		for _, name := range names {
			res, err := e.orch.Run(ctx, name)
			if err != nil {
				failed = errors.Join(failed, fmt.Errorf("%s: %w", name, err))
				if errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "%s %s interrupted; the next run resumes it\n", ui.RenderWarn("⚠"), name)
					break
				}
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), name, err)
				continue
			}
			results = append(results, res)
			if !jsonOutput {
				printSyncResult(res)
			}
		}

		if jsonOutput {
			if err := writeJSON(os.Stdout, results); err != nil {
				return err
			}
		}
		return failed
	},
}

func printSyncResult(r types.SyncResult) {
	mark := ui.RenderPass("✓")
	switch {
	case r.IsFullyFailed():
		mark = ui.RenderFail("✗")
	case !r.IsFullySuccessful():
		mark = ui.RenderWarn("⚠")
	}
	resumed := ""
	if r.Resumed {
		resumed = ui.RenderMuted(" (resumed)")
	}
	fmt.Printf("%s %s: %d synced, %d failed, %d manual, %d skipped in %v%s\n",
		mark, r.SyncType, r.SuccessCount, r.FailureCount, r.ManualCount, r.SkippedCount,
		r.Duration().Round(time.Millisecond), resumed)
	for _, se := range r.Errors {
		fmt.Printf("   %s %s/%s: %s\n", ui.RenderMuted(se.ErrorCode), se.RecordType, se.RecordID, se.ErrorMessage)
	}
}

type syncTypeStatus struct {
	SyncType    string      `json:"syncType"`
	Collections []string    `json:"collections"`
	Pending     int         `json:"pending"`
	Resumable   *resumeInfo `json:"resumable,omitempty"`
}

type resumeInfo struct {
	CheckpointID string  `json:"checkpointId"`
	Progress     float64 `json:"progress"`
	Batch        int     `json:"batch"`
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [sync-type...]",
	Short: "Show pending records and resumable passes per sync type",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := syncTypes(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		e, err := openEngine(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		statuses := make([]syncTypeStatus, 0, len(names))
		for _, name := range names {
			st, err := loadSyncTypeStatus(ctx, e, name)
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
		}

		stats, err := e.queue.Stats(ctx)
		if err != nil {
			return err
		}
		open, err := e.manual.OpenCount(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(os.Stdout, map[string]any{
				"syncTypes":     statuses,
				"queue":         stats,
				"openConflicts": open,
			})
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Sync status"))
		rows := make([][]string, 0, len(statuses))
		for _, st := range statuses {
			resume := ui.RenderMuted("-")
			if st.Resumable != nil {
				resume = fmt.Sprintf("%s batch %d %s", ui.Progress(st.Resumable.Progress, 20), st.Resumable.Batch, ui.RenderMuted(st.Resumable.CheckpointID))
			}
			rows = append(rows, []string{st.SyncType, fmt.Sprintf("%d", st.Pending), resume})
		}
		fmt.Print(ui.Table([]string{"SYNC TYPE", "PENDING", "RESUMABLE"}, rows))

		fmt.Printf("\nQueue: %d pending, %d dead-lettered\n", stats.Pending, stats.DeadLetter)
		if open > 0 {
			fmt.Printf("%s %d conflict(s) need manual resolution (fieldsync conflicts list)\n", ui.RenderWarn("⚠"), open)
		}
		fmt.Println()
		return nil
	},
}

func loadSyncTypeStatus(ctx context.Context, e *engine, name string) (syncTypeStatus, error) {
	st := syncTypeStatus{SyncType: name, Collections: e.orch.Collections(name)}

	pending, err := e.queue.PendingCount(ctx, queue.Filter{Collections: st.Collections})
	if err != nil {
		return st, err
	}
	st.Pending = pending

	cp, err := e.checkpoints.FindIncompleteSync(ctx, name)
	if err != nil {
		return st, err
	}
	if cp != nil {
		st.Resumable = &resumeInfo{cp.ID, cp.ProgressPercentage(), cp.CurrentBatchNumber}
	}
	return st, nil
}

func init() {
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
