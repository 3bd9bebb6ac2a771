package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/fieldsync/internal/conflict"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("FIELDSYNC_DATA_DIR", filepath.Join(dir, "data"))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 5, cfg.MaxRecordRetries)
	assert.Equal(t, 60*time.Second, cfg.ClockSkewTolerance)
	assert.Equal(t, 2*time.Hour, cfg.CheckpointMaxAge)
	assert.Equal(t, 4, cfg.RecordConcurrency)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, ModeAlways, cfg.Connectivity.Mode)
	assert.Equal(t, "lastWriteWins", cfg.Conflict.DefaultStrategy)
	assert.Equal(t, filepath.Join(dir, "data", "fieldsync.db"), cfg.DatabasePath())
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := isolate(t)

	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
batch_size: 20
sync_interval: 1m
sync_types: [inspections, photos]
collections:
  inspections: [inspections, findings]
remote:
  url: http://localhost:5984
  database: field
connectivity:
  mode: probe
  probe_address: localhost:5984
`), 0o600))

	t.Setenv("FIELDSYNC_RECORD_CONCURRENCY", "8")
	t.Setenv("FIELDSYNC_REMOTE_DATABASE", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("batch-size", 0, "")
	require.NoError(t, flags.Parse([]string{"--batch-size=10"}))

	cfg, err := Load(Options{File: file, Flags: map[string]*pflag.Flag{"batch_size": flags.Lookup("batch-size")}})
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.BatchSize, "flag overrides file")
	assert.Equal(t, 8, cfg.RecordConcurrency, "env overrides default")
	assert.Equal(t, "from-env", cfg.Remote.Database, "env overrides file")
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, "http://localhost:5984", cfg.Remote.URL)
	assert.Equal(t, []string{"inspections", "photos"}, cfg.SyncTypeNames())
	assert.Equal(t, map[string][]string{"inspections": {"inspections", "findings"}}, cfg.Orchestrator().SyncTypes)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FIELDSYNC_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("FIELDSYNC_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("FIELDSYNC_LOG_LEVEL"))

	cfg, err := Load(Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	isolate(t)
	_, err := Load(Options{File: "nope.yaml"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad strategy", func(c *Config) { c.Conflict.DefaultStrategy = "coinFlip" }, false},
		{"probe without address", func(c *Config) { c.Connectivity.Mode = ModeProbe }, false},
		{"file without path", func(c *Config) { c.Connectivity.Mode = ModeFile }, false},
		{"file with path", func(c *Config) {
			c.Connectivity.Mode = ModeFile
			c.Connectivity.FlagFile = "/tmp/online"
		}, true},
		{"bad remote url", func(c *Config) { c.Remote.URL = "not a url" }, false},
		{"empty sync type", func(c *Config) { c.SyncTypes = []string{""} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOrchestrator_RetriesFollowFirstAttempt(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.Orchestrator().Retry.MaxAttempts, "3 retries after the first attempt")

	cfg.MaxRetries = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Orchestrator().Retry.MaxAttempts, "no retries still sends once")
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Conflict.DefaultStrategy = "remoteWins"
	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategyRemoteWins, p.DefaultStrategy)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`default_strategy = "smartMerge"`), 0o600))
	cfg.Conflict.PolicyFile = path
	p, err = cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategySmartMerge, p.DefaultStrategy)
}
