// Package config loads fieldsync settings.
//
// Settings are layered: built-in defaults, then an optional config file
// (YAML, TOML or JSON), then a .env file, then FIELDSYNC_* environment
// variables, then command-line flags. Nested keys map to environment
// variables with dots replaced by underscores, so remote.url is read from
// FIELDSYNC_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/steveyegge/fieldsync/internal/checkpoint"
	"github.com/steveyegge/fieldsync/internal/conflict"
	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/queue"
	"github.com/steveyegge/fieldsync/internal/retry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FIELDSYNC"

// DefaultMaxRetries is how many times a failed send is retried within a
// pass, on top of the first attempt.
const DefaultMaxRetries = 3

// Connectivity modes.
const (
	ModeProbe  = "probe"
	ModeFile   = "file"
	ModeAlways = "always"
)

// Config is the full fieldsync configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
	DBPath  string `mapstructure:"db_path"`

	LogFile       string `mapstructure:"log_file"`
	LogLevel      string `mapstructure:"log_level" validate:"oneof=debug info warning error"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" validate:"gte=1"`
	LogMaxBackups int    `mapstructure:"log_max_backups" validate:"gte=0"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days" validate:"gte=0"`

	BatchSize          int           `mapstructure:"batch_size" validate:"gte=1,lte=10000"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	BaseDelay          time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxRecordRetries   int           `mapstructure:"max_record_retries" validate:"gte=1"`
	ClockSkewTolerance time.Duration `mapstructure:"clock_skew_tolerance" validate:"gte=0"`
	CheckpointMaxAge   time.Duration `mapstructure:"checkpoint_max_age" validate:"gt=0"`
	RecordConcurrency  int           `mapstructure:"record_concurrency" validate:"gte=1,lte=64"`
	SyncInterval       time.Duration `mapstructure:"sync_interval" validate:"gte=0"`

	// SyncTypes are the sync types the daemon drives.
	SyncTypes []string `mapstructure:"sync_types" validate:"dive,required"`

	// Collections maps a sync type to its collections. Sync types not
	// listed drain the collection of the same name.
	Collections map[string][]string `mapstructure:"collections"`

	InboxDir         string        `mapstructure:"inbox_dir"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval" validate:"gte=0"`

	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Conflict     ConflictConfig     `mapstructure:"conflict"`
}

// RemoteConfig selects the remote record store. An empty URL uses an
// in-process store.
type RemoteConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Database string `mapstructure:"database" validate:"required_with=URL"`
}

// ConnectivityConfig selects how the daemon learns about connectivity.
type ConnectivityConfig struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=probe file always"`
	ProbeAddress string        `mapstructure:"probe_address" validate:"required_if=Mode probe"`
	FlagFile     string        `mapstructure:"flag_file"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// DashboardConfig configures the telemetry dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port" validate:"gte=1,lte=65535"`
}

// ConflictConfig configures conflict resolution.
type ConflictConfig struct {
	DefaultStrategy string `mapstructure:"default_strategy" validate:"oneof=localWins remoteWins lastWriteWins smartMerge manual"`
	PolicyFile      string `mapstructure:"policy_file"`
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. When empty, fieldsync.{yaml,toml,json}
	// is searched for in the working directory and the data directory.
	File string

	// EnvFile is the dotenv file (default ".env"). A missing file is ignored.
	EnvFile string

	// Flags maps config keys to command-line flags. A flag only overrides
	// the key when it was set.
	Flags map[string]*pflag.Flag
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)
	v.SetDefault("batch_size", orchestrator.DefaultBatchSize)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("base_delay", retry.DefaultBaseDelay)
	v.SetDefault("max_record_retries", queue.DefaultMaxRetries)
	v.SetDefault("clock_skew_tolerance", types.DefaultClockSkewTolerance)
	v.SetDefault("checkpoint_max_age", checkpoint.DefaultMaxAge)
	v.SetDefault("record_concurrency", orchestrator.DefaultRecordConcurrency)
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("sync_types", []string{})
	v.SetDefault("collections", map[string][]string{})
	v.SetDefault("inbox_dir", "")
	v.SetDefault("debounce_interval", 500*time.Millisecond)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.database", "fieldsync")
	v.SetDefault("connectivity.mode", ModeAlways)
	v.SetDefault("connectivity.probe_address", "")
	v.SetDefault("connectivity.flag_file", "")
	v.SetDefault("connectivity.poll_interval", 10*time.Second)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("conflict.default_strategy", string(conflict.StrategyLastWriteWins))
	v.SetDefault("conflict.policy_file", "")
}

// Load reads the layered configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Connectivity.Mode == ModeFile && c.Connectivity.FlagFile == "" {
		return fmt.Errorf("invalid config: connectivity.flag_file is required in file mode")
	}
	return nil
}

// DatabasePath is the SQLite file holding queue, checkpoints, local records
// and conflicts.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// SyncTypeNames lists the configured sync types: SyncTypes first, then any
// sync type named only in Collections.
func (c *Config) SyncTypeNames() []string {
	seen := make(map[string]bool, len(c.SyncTypes))
	var names []string
	for _, n := range c.SyncTypes {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	extra := make([]string, 0, len(c.Collections))
	for n := range c.Collections {
		if !seen[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// Orchestrator returns orchestrator settings. Collaborators, clock, sink and
// logger are left for the caller.
func (c *Config) Orchestrator() *orchestrator.Config {
	return &orchestrator.Config{
		BatchSize:          c.BatchSize,
		RecordConcurrency:  c.RecordConcurrency,
		Retry:              retry.Options{MaxAttempts: c.MaxRetries + 1, BaseDelay: c.BaseDelay},
		ClockSkewTolerance: c.ClockSkewTolerance,
		SyncTypes:          c.Collections,
	}
}

// Queue returns queue settings.
func (c *Config) Queue() *queue.Config {
	return &queue.Config{
		MaxRetries:         c.MaxRecordRetries,
		ClockSkewTolerance: c.ClockSkewTolerance,
	}
}

// Checkpoint returns checkpoint manager settings.
func (c *Config) Checkpoint() *checkpoint.Config {
	return &checkpoint.Config{MaxAge: c.CheckpointMaxAge}
}

// Policy loads the conflict policy file, or builds one from the default
// strategy when no file is configured.
func (c *Config) Policy() (conflict.Policy, error) {
	if c.Conflict.PolicyFile != "" {
		return conflict.LoadPolicy(c.Conflict.PolicyFile)
	}
	s, err := conflict.ParseStrategy(c.Conflict.DefaultStrategy)
	if err != nil {
		return conflict.Policy{}, err
	}
	p := conflict.DefaultPolicy()
	p.DefaultStrategy = s
	return p, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}
