// Package config provides configuration types and defaults for bifrost.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bifrost-run/bifrost/internal/log"
)

// Config holds all configuration options for bifrost.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Submit   SubmitConfig   `mapstructure:"submit"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Result   ResultConfig   `mapstructure:"result"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	LogPath  string         `mapstructure:"log_path"`
	Debug    bool           `mapstructure:"debug"`
}

// RedisConfig holds the connection settings for the ephemeral store and
// durable queue. An empty Addr selects the in-memory backend, which is
// only suitable for single-process deployments and tests.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig holds the durable record store settings.
type StoreConfig struct {
	// Path to the sqlite database file. Parent directories are created
	// on first open.
	Path string `mapstructure:"path"`
}

// QueueConfig holds durable queue tuning.
type QueueConfig struct {
	// Name of the queue list. Consumers of the same name share work.
	Name string `mapstructure:"name"`

	// VisibilityTimeoutSeconds bounds how long a dequeued message may
	// stay unacknowledged before it is redelivered.
	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds"`

	// ReclaimIntervalSeconds is how often the reclaimer scans for
	// expired in-flight messages.
	ReclaimIntervalSeconds int `mapstructure:"reclaim_interval_seconds"`
}

// PoolConfig holds process-pool manager settings.
type PoolConfig struct {
	MinWorkers                      int    `mapstructure:"min_workers"`
	MaxWorkers                      int    `mapstructure:"max_workers"`
	ExecutionTimeoutSeconds         int    `mapstructure:"execution_timeout_seconds"`
	GracefulShutdownSeconds         int    `mapstructure:"graceful_shutdown_seconds"`
	RecycleAfterExecutions          int    `mapstructure:"recycle_after_executions"`
	IdleCooldownSeconds             int    `mapstructure:"idle_cooldown_seconds"`
	WorkerHeartbeatIntervalSeconds  int    `mapstructure:"worker_heartbeat_interval_seconds"`
	WorkerRegistrationTTLSeconds    int    `mapstructure:"worker_registration_ttl_seconds"`
	WorkerID                        string `mapstructure:"worker_id"`

	// ScaleUpBusyRatio is the busy/total high-water mark that triggers a
	// proactive spawn while below max_workers. Zero disables it.
	ScaleUpBusyRatio float64 `mapstructure:"scale_up_busy_ratio"`
	// WorkerCommand is the executable spawned for each slot. Defaults
	// to re-invoking the current binary with the worker subcommand.
	WorkerCommand []string `mapstructure:"worker_command"`
}

// SubmitConfig holds submission API settings.
type SubmitConfig struct {
	SyncWaitCeilingSeconds int `mapstructure:"sync_wait_ceiling_seconds"`

	// PendingTTLSeconds bounds how long a staged request may wait for
	// the dispatcher before its context expires.
	PendingTTLSeconds int `mapstructure:"pending_ttl_seconds"`

	// MaxInFlightPerTenant caps concurrent submissions per tenant.
	// Zero disables the quota.
	MaxInFlightPerTenant int `mapstructure:"max_in_flight_per_tenant"`

	// MaxTimeoutSeconds caps the per-request timeout override. Zero
	// disables the ceiling.
	MaxTimeoutSeconds int `mapstructure:"max_timeout_seconds"`
}

// ResolverConfig holds target registry settings.
type ResolverConfig struct {
	// ManifestPath is an optional YAML file of user-defined targets.
	// When set, the file is watched and changes invalidate the registry.
	ManifestPath string `mapstructure:"manifest_path"`
}

// ResultConfig holds result path settings.
type ResultConfig struct {
	// LogsDir is where flushed execution logs are written. One file per
	// execution, referenced from the durable record.
	LogsDir string `mapstructure:"logs_dir"`

	// RendezvousTTLSeconds bounds how long a result waits on its
	// rendezvous list for a synchronous waiter that may never come.
	RendezvousTTLSeconds int `mapstructure:"rendezvous_ttl_seconds"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	// Default: "stdout"
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDataDir returns ~/.bifrost, or empty string if the home dir is
// unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bifrost")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	dataDir := DefaultDataDir()
	return Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "executions.db"),
		},
		Queue: QueueConfig{
			Name:                     "executions",
			VisibilityTimeoutSeconds: 60,
			ReclaimIntervalSeconds:   15,
		},
		Pool: PoolConfig{
			MinWorkers:                     2,
			MaxWorkers:                     10,
			ExecutionTimeoutSeconds:        300,
			GracefulShutdownSeconds:        5,
			RecycleAfterExecutions:         0,
			IdleCooldownSeconds:            60,
			WorkerHeartbeatIntervalSeconds: 10,
			WorkerRegistrationTTLSeconds:   30,
			ScaleUpBusyRatio:               0.8,
		},
		Submit: SubmitConfig{
			SyncWaitCeilingSeconds: 1800,
			PendingTTLSeconds:      3600,
			MaxInFlightPerTenant:   0,
			MaxTimeoutSeconds:      86400,
		},
		Result: ResultConfig{
			LogsDir:              filepath.Join(dataDir, "logs"),
			RendezvousTTLSeconds: 300,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		LogPath: filepath.Join(dataDir, "bifrost.log"),
	}
}

// ValidatePool checks pool configuration for errors.
func ValidatePool(pool PoolConfig) error {
	if pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers must be >= 0, got %d", pool.MinWorkers)
	}
	if pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be >= 1, got %d", pool.MaxWorkers)
	}
	if pool.MinWorkers > pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) must not exceed pool.max_workers (%d)", pool.MinWorkers, pool.MaxWorkers)
	}
	if pool.ExecutionTimeoutSeconds < 1 {
		return fmt.Errorf("pool.execution_timeout_seconds must be >= 1, got %d", pool.ExecutionTimeoutSeconds)
	}
	if pool.GracefulShutdownSeconds < 0 {
		return fmt.Errorf("pool.graceful_shutdown_seconds must be >= 0, got %d", pool.GracefulShutdownSeconds)
	}
	if pool.RecycleAfterExecutions < 0 {
		return fmt.Errorf("pool.recycle_after_executions must be >= 0, got %d", pool.RecycleAfterExecutions)
	}
	if pool.IdleCooldownSeconds < 0 {
		return fmt.Errorf("pool.idle_cooldown_seconds must be >= 0, got %d", pool.IdleCooldownSeconds)
	}
	if pool.WorkerHeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("pool.worker_heartbeat_interval_seconds must be >= 1, got %d", pool.WorkerHeartbeatIntervalSeconds)
	}
	if pool.WorkerRegistrationTTLSeconds <= pool.WorkerHeartbeatIntervalSeconds {
		return fmt.Errorf("pool.worker_registration_ttl_seconds (%d) must exceed the heartbeat interval (%d)",
			pool.WorkerRegistrationTTLSeconds, pool.WorkerHeartbeatIntervalSeconds)
	}
	if pool.ScaleUpBusyRatio < 0 || pool.ScaleUpBusyRatio > 1 {
		return fmt.Errorf("pool.scale_up_busy_ratio must be between 0.0 and 1.0, got %v", pool.ScaleUpBusyRatio)
	}
	return nil
}

// ValidateQueue checks queue configuration for errors.
func ValidateQueue(queue QueueConfig) error {
	if queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if queue.VisibilityTimeoutSeconds < 1 {
		return fmt.Errorf("queue.visibility_timeout_seconds must be >= 1, got %d", queue.VisibilityTimeoutSeconds)
	}
	if queue.ReclaimIntervalSeconds < 1 {
		return fmt.Errorf("queue.reclaim_interval_seconds must be >= 1, got %d", queue.ReclaimIntervalSeconds)
	}
	return nil
}

// ValidateSubmit checks submission configuration for errors.
func ValidateSubmit(submit SubmitConfig) error {
	if submit.SyncWaitCeilingSeconds < 1 {
		return fmt.Errorf("submit.sync_wait_ceiling_seconds must be >= 1, got %d", submit.SyncWaitCeilingSeconds)
	}
	if submit.PendingTTLSeconds < 1 {
		return fmt.Errorf("submit.pending_ttl_seconds must be >= 1, got %d", submit.PendingTTLSeconds)
	}
	if submit.MaxInFlightPerTenant < 0 {
		return fmt.Errorf("submit.max_in_flight_per_tenant must be >= 0, got %d", submit.MaxInFlightPerTenant)
	}
	if submit.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("submit.max_timeout_seconds must be >= 0, got %d", submit.MaxTimeoutSeconds)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// Validate checks the full configuration for errors.
func (c Config) Validate() error {
	if err := ValidateQueue(c.Queue); err != nil {
		return err
	}
	if err := ValidatePool(c.Pool); err != nil {
		return err
	}
	if err := ValidateSubmit(c.Submit); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Bifrost Configuration

# Redis connection for the ephemeral store and durable queue.
# Leave addr empty to run with the in-memory backend (single process only).
redis:
  addr: localhost:6379
  # password: ""
  # db: 0

# Durable execution record store (sqlite).
store:
  # path: ~/.bifrost/executions.db

# Durable queue tuning.
queue:
  name: executions
  visibility_timeout_seconds: 60   # Redeliver unacked messages after this
  reclaim_interval_seconds: 15     # How often to scan for expired deliveries

# Process-pool manager.
pool:
  min_workers: 2
  max_workers: 10
  execution_timeout_seconds: 300   # Per-execution wall clock ceiling
  graceful_shutdown_seconds: 5     # SIGTERM grace before SIGKILL
  recycle_after_executions: 0      # 0 = never recycle on count
  idle_cooldown_seconds: 60        # Drain idle slots above min after this; 0 disables
  worker_heartbeat_interval_seconds: 10
  worker_registration_ttl_seconds: 30
  scale_up_busy_ratio: 0.8         # Spawn a slot when busy/total stays above this; 0 disables
  # worker_id: ""                  # Defaults to hostname:pid
  # worker_command: []             # Defaults to re-invoking this binary

# Submission API.
submit:
  sync_wait_ceiling_seconds: 1800  # Hard cap on synchronous waits
  pending_ttl_seconds: 3600        # Staged request lifetime
  max_in_flight_per_tenant: 0      # 0 = unlimited
  max_timeout_seconds: 86400       # Cap on per-request timeout overrides; 0 = uncapped

# Result path.
result:
  # logs_dir: ~/.bifrost/logs
  rendezvous_ttl_seconds: 300

# Distributed tracing.
# tracing:
#   enabled: false
#   exporter: stdout               # none, stdout, or otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Debug log file.
# log_path: ~/.bifrost/bifrost.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
