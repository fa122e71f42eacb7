package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackplane/stackplane/pkg/engine"
	"github.com/stackplane/stackplane/pkg/health"
	"github.com/stackplane/stackplane/pkg/locks"
	"github.com/stackplane/stackplane/pkg/recovery"
	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Config is the full control-plane configuration. Values resolve in three
// layers: built-in defaults, the YAML config file, and STACKPLANE_*
// environment variables, each overriding the previous one.
type Config struct {
	// Workspace is the root directory for all persistent state. Store,
	// lock, and journal directories default to subdirectories of it.
	Workspace string `yaml:"workspace" validate:"required"`

	// Store configures the persistent state store.
	Store statestore.Config `yaml:"store"`

	// Locks configures the cooperative lock manager.
	Locks locks.Config `yaml:"locks"`

	// Journal configures the append-only journal and its query index.
	Journal JournalConfig `yaml:"journal"`

	// Recovery configures retry, fallback, and circuit-breaker behavior.
	Recovery recovery.Config `yaml:"recovery"`

	// Monitor configures health scoring and check scheduling.
	Monitor health.MonitorConfig `yaml:"monitor"`

	// Alerts configures alert deduplication and webhook delivery.
	Alerts health.AlertConfig `yaml:"alerts"`

	// Runner configures the background maintenance tasks.
	Runner engine.RunnerConfig `yaml:"runner"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// PolicyPaths lists extra policy files or directories loaded into the
	// transition gate alongside the built-in policies.
	PolicyPaths []string `yaml:"policy_paths"`
}

// JournalConfig configures the append-only journal.
type JournalConfig struct {
	// Dir holds the daily journal partitions. Defaults to
	// <workspace>/journal.
	Dir string `yaml:"dir"`

	// Retention is the age beyond which partitions are swept. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention"`

	// IndexPath is the SQLite index database. Empty disables indexing.
	IndexPath string `yaml:"index_path"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Workspace: ".stackplane",
		Store:     statestore.DefaultConfig(""),
		Locks: locks.Config{
			Backend:      locks.BackendFile,
			StaleAfter:   5 * time.Minute,
			PollInterval: 100 * time.Millisecond,
		},
		Journal: JournalConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Recovery:  recovery.DefaultConfig(),
		Monitor:   health.DefaultMonitorConfig(),
		Alerts:    health.DefaultAlertConfig(),
		Runner:    engine.DefaultRunnerConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the effective configuration. The path is optional; an empty
// path uses defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize resolves directories left empty to their workspace defaults.
func (c *Config) normalize() {
	if c.Store.Dir == "" {
		c.Store.Dir = c.Workspace
	}
	if c.Locks.Dir == "" {
		c.Locks.Dir = filepath.Join(c.Workspace, "locks")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.Workspace, "journal")
	}
	if c.Journal.IndexPath == "" {
		c.Journal.IndexPath = filepath.Join(c.Journal.Dir, "index.db")
	}
}

// applyEnv overlays STACKPLANE_* environment variables. Only the operational
// knobs are exposed this way; structural settings require the config file.
func (c *Config) applyEnv() error {
	var err error

	envString("STACKPLANE_WORKSPACE", &c.Workspace)
	envString("STACKPLANE_ALERT_WEBHOOK", &c.Alerts.WebhookURL)
	envString("STACKPLANE_LOG_LEVEL", &c.Telemetry.Logging.Level)
	envString("STACKPLANE_LOG_FORMAT", &c.Telemetry.Logging.Format)
	envString("STACKPLANE_METRICS_ADDR", &c.Telemetry.Metrics.ListenAddress)

	if v, ok := os.LookupEnv("STACKPLANE_LOCK_BACKEND"); ok {
		c.Locks.Backend = locks.Backend(v)
	}
	if v, ok := os.LookupEnv("STACKPLANE_METRICS_ADDR"); ok && v != "" {
		c.Telemetry.Metrics.Enabled = true
	}

	envDuration("STACKPLANE_LOCK_TIMEOUT", &c.Store.LockTimeout, &err)
	envDuration("STACKPLANE_LOCK_STALE_AFTER", &c.Locks.StaleAfter, &err)
	envDuration("STACKPLANE_BACKUP_RETENTION", &c.Store.Backup.Retention, &err)
	envDuration("STACKPLANE_JOURNAL_RETENTION", &c.Journal.Retention, &err)
	envDuration("STACKPLANE_HEALTH_CHECK_INTERVAL", &c.Monitor.CheckInterval, &err)
	envBool("STACKPLANE_CHECKSUM_ENABLED", &c.Store.ChecksumEnabled, &err)

	return err
}

// Validate checks structural and range constraints on the effective
// configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Locks.Backend != locks.BackendFile && c.Locks.Backend != locks.BackendMemory {
		return fmt.Errorf("invalid configuration: unknown lock backend %q", c.Locks.Backend)
	}
	if c.Recovery.Retry.Multiplier < 1 {
		return fmt.Errorf("invalid configuration: retry multiplier %.2f must be at least 1", c.Recovery.Retry.Multiplier)
	}
	if f := c.Recovery.Retry.JitterFraction; f < 0 || f > 1 {
		return fmt.Errorf("invalid configuration: jitter fraction %.2f must be within [0, 1]", f)
	}
	if c.Recovery.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid configuration: max attempts %d must be at least 1", c.Recovery.Retry.MaxAttempts)
	}
	if c.Store.Backup.MinKeep > c.Store.Backup.MaxKeep && c.Store.Backup.MaxKeep > 0 {
		return fmt.Errorf("invalid configuration: backup min_keep %d exceeds max_keep %d", c.Store.Backup.MinKeep, c.Store.Backup.MaxKeep)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration, errOut *error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("invalid duration in %s: %w", key, err)
		}
		return
	}
	*dst = d
}

func envBool(key string, dst *bool, errOut *error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("invalid boolean in %s: %w", key, err)
		}
		return
	}
	*dst = b
}
