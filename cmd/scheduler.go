package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/dispatch"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/pool"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/queue"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/result"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/tracing"
	"github.com/bifrost-run/bifrost/internal/worker"
)

const manifestDebounce = 500 * time.Millisecond

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler: queue consumer, process pool, and result path",
	Long: `Starts the execution engine. The scheduler consumes the durable queue,
maintains a pool of worker child processes, and finalizes results.
Stop it with SIGINT or SIGTERM; in-flight executions are cancelled and
their callers notified before the process exits.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	cleanup := initLogging()
	defer cleanup()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = tracer.Shutdown(shutCtx)
	}()

	st, q, closeFabric, err := openFabric(ctx)
	if err != nil {
		return fmt.Errorf("connecting store and queue: %w", err)
	}
	defer closeFabric()

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() { _ = db.Close() }()
	repo := db.ExecutionRepository()

	registry := resolver.NewRegistry()
	defer registry.Close()
	if cfg.Resolver.ManifestPath != "" {
		if err := registry.LoadManifest(cfg.Resolver.ManifestPath); err != nil {
			log.ErrorErr(log.CatResolver, "Initial manifest load failed", err, "path", cfg.Resolver.ManifestPath)
		}
		watcher, err := resolver.NewManifestWatcher(registry, cfg.Resolver.ManifestPath, manifestDebounce)
		if err != nil {
			return fmt.Errorf("creating manifest watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("starting manifest watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	publisher := progress.NewPublisher(st)
	path := result.NewPath(st, repo, publisher, result.NewFileSink(cfg.Result.LogsDir), result.Config{
		RendezvousTTL: time.Duration(cfg.Result.RendezvousTTLSeconds) * time.Second,
		ReleaseQuota:  cfg.Submit.MaxInFlightPerTenant > 0,
	}, tracer.Tracer())

	// The in-memory backend is per-process, so forked children could
	// never see the scheduler's staged state. Run workers in-process
	// instead; with Redis configured, spawn real children.
	var spawner pool.Spawner
	if cfg.Redis.Addr == "" {
		spawner = func() (pool.ChildProcess, error) { return worker.StartInProcess(st, registry), nil }
	} else {
		argv, err := workerArgv()
		if err != nil {
			return err
		}
		spawner = func() (pool.ChildProcess, error) { return worker.Spawn(argv, nil) }
	}
	manager := pool.NewManager(pool.Config{
		WorkerID:               workerID(),
		Spawner:                spawner,
		Store:                  st,
		Publisher:              publisher,
		Registry:               registry,
		MinWorkers:             cfg.Pool.MinWorkers,
		MaxWorkers:             cfg.Pool.MaxWorkers,
		ExecutionTimeout:       time.Duration(cfg.Pool.ExecutionTimeoutSeconds) * time.Second,
		GracefulShutdown:       time.Duration(cfg.Pool.GracefulShutdownSeconds) * time.Second,
		RecycleAfterExecutions: cfg.Pool.RecycleAfterExecutions,
		IdleCooldown:           time.Duration(cfg.Pool.IdleCooldownSeconds) * time.Second,
		ScaleUpRatio:           cfg.Pool.ScaleUpBusyRatio,
		HeartbeatInterval:      time.Duration(cfg.Pool.WorkerHeartbeatIntervalSeconds) * time.Second,
		RegistrationTTL:        time.Duration(cfg.Pool.WorkerRegistrationTTLSeconds) * time.Second,
		Results: func(res *execution.Result) {
			if err := path.Complete(ctx, res); err != nil {
				log.ErrorErr(log.CatResult, "Result completion failed", err, "execution", res.ExecutionID)
			}
		},
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting pool: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(q, st, repo, registry, manager, path, dispatch.Config{
		DefaultTimeout: time.Duration(cfg.Pool.ExecutionTimeoutSeconds) * time.Second,
	}, tracer.Tracer())

	queue.StartReclaimer(ctx, q, time.Duration(cfg.Queue.ReclaimIntervalSeconds)*time.Second, func(n int) {
		log.Warn(log.CatQueue, "Redelivered expired in-flight messages", "count", n)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- dispatcher.Run(ctx) }()

	fmt.Printf("bifrost scheduler started (queue %q, workers %d-%d)\n",
		cfg.Queue.Name, cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
	}

	// Stop intake first, then drain the pool. The pool grace window plus
	// a margin bounds the wait.
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Pool.GracefulShutdownSeconds)*time.Second+10*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		log.ErrorErr(log.CatPool, "Pool shutdown incomplete", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}

// workerID identifies this scheduler's pool in heartbeat registrations.
func workerID() string {
	if cfg.Pool.WorkerID != "" {
		return cfg.Pool.WorkerID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "bifrost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// workerArgv builds the command line for worker children, defaulting to
// re-invoking this binary with the worker subcommand.
func workerArgv() ([]string, error) {
	if len(cfg.Pool.WorkerCommand) > 0 {
		return cfg.Pool.WorkerCommand, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable for worker spawn: %w", err)
	}
	argv := []string{exe, "worker"}
	if cfgFile != "" {
		argv = append(argv, "--config", cfgFile)
	}
	if debugFlag {
		argv = append(argv, "--debug")
	}
	return argv, nil
}
