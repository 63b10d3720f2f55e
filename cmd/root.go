// Package cmd wires the bifrost CLI: the scheduler daemon, the worker
// child entrypoint, and the operator commands for submitting, watching,
// and cancelling executions.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bifrost-run/bifrost/internal/config"
	"github.com/bifrost-run/bifrost/internal/log"
)

var (
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bifrost",
	Short: "Asynchronous execution engine for user-authored workloads",
	Long: `Bifrost runs user-authored workflows, tools, data providers, and inline
code in isolated worker processes. Submissions are accepted immediately,
queued durably, and executed by a scheduler that manages a pool of
worker children.

Run "bifrost scheduler" to start the engine, then "bifrost submit" to
hand it work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bifrost/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// initConfig loads configuration: flags > environment > config file >
// defaults. A missing config file is created from the default template
// so operators have something to edit.
func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("redis.addr", defaults.Redis.Addr)
	viper.SetDefault("redis.password", defaults.Redis.Password)
	viper.SetDefault("redis.db", defaults.Redis.DB)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("queue.name", defaults.Queue.Name)
	viper.SetDefault("queue.visibility_timeout_seconds", defaults.Queue.VisibilityTimeoutSeconds)
	viper.SetDefault("queue.reclaim_interval_seconds", defaults.Queue.ReclaimIntervalSeconds)
	viper.SetDefault("pool.min_workers", defaults.Pool.MinWorkers)
	viper.SetDefault("pool.max_workers", defaults.Pool.MaxWorkers)
	viper.SetDefault("pool.execution_timeout_seconds", defaults.Pool.ExecutionTimeoutSeconds)
	viper.SetDefault("pool.graceful_shutdown_seconds", defaults.Pool.GracefulShutdownSeconds)
	viper.SetDefault("pool.recycle_after_executions", defaults.Pool.RecycleAfterExecutions)
	viper.SetDefault("pool.idle_cooldown_seconds", defaults.Pool.IdleCooldownSeconds)
	viper.SetDefault("pool.worker_heartbeat_interval_seconds", defaults.Pool.WorkerHeartbeatIntervalSeconds)
	viper.SetDefault("pool.worker_registration_ttl_seconds", defaults.Pool.WorkerRegistrationTTLSeconds)
	viper.SetDefault("pool.worker_id", defaults.Pool.WorkerID)
	viper.SetDefault("pool.scale_up_busy_ratio", defaults.Pool.ScaleUpBusyRatio)
	viper.SetDefault("submit.sync_wait_ceiling_seconds", defaults.Submit.SyncWaitCeilingSeconds)
	viper.SetDefault("submit.pending_ttl_seconds", defaults.Submit.PendingTTLSeconds)
	viper.SetDefault("submit.max_in_flight_per_tenant", defaults.Submit.MaxInFlightPerTenant)
	viper.SetDefault("submit.max_timeout_seconds", defaults.Submit.MaxTimeoutSeconds)
	viper.SetDefault("resolver.manifest_path", defaults.Resolver.ManifestPath)
	viper.SetDefault("result.logs_dir", defaults.Result.LogsDir)
	viper.SetDefault("result.rendezvous_ttl_seconds", defaults.Result.RendezvousTTLSeconds)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log_path", defaults.LogPath)
	viper.SetDefault("debug", false)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if dataDir := config.DefaultDataDir(); dataDir != "" {
			viper.AddConfigPath(dataDir)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BIFROST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) && cfgFile == "":
			if dataDir := config.DefaultDataDir(); dataDir != "" {
				path := filepath.Join(dataDir, "config.yaml")
				if werr := config.WriteDefaultConfig(path); werr == nil {
					viper.SetConfigFile(path)
					_ = viper.ReadInConfig()
				}
			}
		default:
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}
}

// initLogging turns on the debug log when requested by flag, config, or
// the BIFROST_DEBUG environment variable. Returns a cleanup that closes
// the log file.
func initLogging() func() {
	if !debugFlag && !cfg.Debug && os.Getenv("BIFROST_DEBUG") == "" {
		return func() {}
	}
	cleanup, err := log.Init(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: debug log unavailable: %v\n", err)
		return func() {}
	}
	log.SetEnabled(true)
	log.Debug(log.CatConfig, "Debug logging enabled", "path", cfg.LogPath)
	return cleanup
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
