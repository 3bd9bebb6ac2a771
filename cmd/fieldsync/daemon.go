package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/fieldsync/internal/config"
	"github.com/steveyegge/fieldsync/internal/connectivity"
	"github.com/steveyegge/fieldsync/internal/daemon"
	"github.com/steveyegge/fieldsync/internal/dashboard"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync worker (foreground)",
	Long: `Run the sync worker until interrupted.

The daemon:
  1. Tracks connectivity (probe, flag file, or always online)
  2. Syncs every configured sync type at startup and every sync_interval
  3. Resumes interrupted passes as soon as the device comes back online
  4. Imports *.jsonl mutation files dropped into the inbox directory

With --dashboard, results and log entries are also streamed over WebSocket
and queryable over HTTP (/logs, /summary, /export, /status, /health).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		names, err := syncTypes(nil)
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

		source, online := connectivitySource(cfg.Connectivity)
		sig := connectivity.NewSignal(online, nil)

		d, err := daemon.NewWithConfig(e.orch, sig, &daemon.Config{
			SyncTypes:        names,
			SyncInterval:     cfg.SyncInterval,
			Source:           source,
			InboxDir:         cfg.InboxDir,
			Queue:            e.queue,
			DebounceInterval: cfg.DebounceInterval,
			Logger:           newLogger("daemon"),
		})
		if err != nil {
			return err
		}

		if withDashboard {
			server, err := dashboard.NewServer(&dashboard.Config{
				Port:      port,
				Telemetry: e.telemetry,
				Status:    e.orch.Status,
				MinLevel:  telemetry.LevelInfo,
				Logger:    newLogger("dashboard"),
			})
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			e.telemetry.AddSink(server)
			defer func() {
				e.telemetry.RemoveSink(server)
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
				}
			}()
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.Addr(), server.Addr())
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Sync types: %v\n", names)
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())
		fmt.Printf("   Connectivity: %s\n", cfg.Connectivity.Mode)
		if cfg.InboxDir != "" {
			fmt.Printf("   Inbox: %s\n", cfg.InboxDir)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}

		st := d.Stats()
		fmt.Printf("\n%s Daemon stopped after %d pass(es), %d failed, %d skipped offline\n",
			ui.RenderPass("✓"), st.Passes, st.FailedPasses, st.SkippedOffline)
		return nil
	},
}

// connectivitySource builds the configured source and the signal's
// initial state.
func connectivitySource(c config.ConnectivityConfig) (connectivity.Source, bool) {
	switch c.Mode {
	case config.ModeProbe:
		return &connectivity.Probe{
			Address:  c.ProbeAddress,
			Interval: c.PollInterval,
			Timeout:  min(c.PollInterval, 5*time.Second),
			Logger:   newLogger("connectivity"),
		}, false
	case config.ModeFile:
		return &connectivity.FileSource{Path: c.FlagFile, Logger: newLogger("connectivity")}, false
	default:
		return connectivity.Always{}, true
	}
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the telemetry dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port (default: dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}
