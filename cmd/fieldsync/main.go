// Command fieldsync queues local changes and syncs them to a remote record
// store when connectivity allows.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/fieldsync/internal/config"
)

var (
	cfgFile    string
	envFile    string
	jsonOutput bool

	cfg *config.Config

	// logOutput receives every process logger; a rotating file when
	// log_file is set.
	logOutput io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first record sync",
	Long: `fieldsync keeps a local copy of records, queues every local change, and
pushes the queue to a remote record store whenever the device is online.

Passes run in batches with checkpoints, so an interrupted pass resumes where
it stopped. Concurrent edits are detected and resolved by policy; conflicts
that need a person are kept for 'fieldsync conflicts resolve'.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Queue and conflicts:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: fieldsync.{yaml,toml,json} in . or the data dir)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	pf.BoolVar(&jsonOutput, "json", false, "output JSON")
	pf.String("data-dir", "", "data directory")
	pf.String("db", "", "SQLite database path (default: <data-dir>/fieldsync.db)")
	pf.String("log-level", "", "log level: debug, info, warning, error")
	pf.String("log-file", "", "write logs to this file, rotated")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"db":        "db_path",
	"log-level": "log_level",
	"log-file":  "log_file",
}

func setup(cmd *cobra.Command, _ []string) error {
	flags := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[key] = f
		}
	}

	var err error
	cfg, err = config.Load(config.Options{File: cfgFile, EnvFile: envFile, Flags: flags})
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		logOutput = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}
	return nil
}

// newLogger returns a process logger with a bracketed component prefix.
func newLogger(component string) *log.Logger {
	return log.New(logOutput, "["+component+"] ", log.LstdFlags)
}
