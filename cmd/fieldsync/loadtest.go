package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fieldsync/internal/loadtest"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure sync throughput with synthetic records",
	Long: `Queue synthetic records for several sync types, drain them concurrently
against an in-process remote store, and report pass and batch latency.

Latency, transient failures and concurrent remote edits can be injected:
  fieldsync loadtest --types 8 --records 500
  fieldsync loadtest --latency 20ms --failure-rate 0.05 --conflict-rate 0.1
  fieldsync loadtest --sqlite   # use an on-disk queue in a temp dir`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.Options{}
		opts.SyncTypes, _ = cmd.Flags().GetInt("types")
		opts.RecordsPerType, _ = cmd.Flags().GetInt("records")
		opts.BatchSize, _ = cmd.Flags().GetInt("batch")
		opts.RecordConcurrency, _ = cmd.Flags().GetInt("concurrency")
		opts.Latency, _ = cmd.Flags().GetDuration("latency")
		opts.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		opts.ConflictRate, _ = cmd.Flags().GetFloat64("conflict-rate")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")

		if sqlite, _ := cmd.Flags().GetBool("sqlite"); sqlite {
			dir, err := os.MkdirTemp("", "fieldsync-loadtest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			opts.DBPath = filepath.Join(dir, "load.db")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Fprintf(os.Stderr, "%s Running load test...\n", ui.RenderAccent("⏱"))
		report, err := loadtest.Run(ctx, opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, report)
		}
		report.Print(os.Stdout)
		return nil
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.Int("types", 4, "concurrent sync types")
	f.Int("records", 200, "records per sync type")
	f.Int("batch", 50, "batch size")
	f.Int("concurrency", 4, "sends in flight per batch")
	f.Duration("latency", 0, "added latency per remote call")
	f.Float64("failure-rate", 0, "fraction of records that fail once")
	f.Float64("conflict-rate", 0, "fraction of records edited remotely first")
	f.Int64("seed", 42, "random seed")
	f.Bool("sqlite", false, "use an on-disk SQLite queue")
	rootCmd.AddCommand(loadtestCmd)
}
