package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker child process (spawned by the scheduler)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker is the child entrypoint. Commands arrive on stdin, events
// leave on stdout; SIGTERM cancels the runtime so in-flight work can
// emit a final result before exit.
func runWorker(cmd *cobra.Command, _ []string) error {
	cleanup := initLogging()
	defer cleanup()

	// A forked child cannot share an in-memory store with its parent;
	// the scheduler runs workers in-process in that mode instead.
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("worker children need redis.addr; the in-memory backend is per-process")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info(log.CatWorker, "Worker received signal", "signal", sig, "pid", os.Getpid())
		cancel()
	}()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("connecting store: %w", err)
	}
	defer closeStore()

	registry := resolver.NewRegistry()
	defer registry.Close()
	if cfg.Resolver.ManifestPath != "" {
		if err := registry.LoadManifest(cfg.Resolver.ManifestPath); err != nil {
			log.ErrorErr(log.CatResolver, "Manifest load failed", err, "path", cfg.Resolver.ManifestPath)
		}
	}

	rt := worker.NewRuntime(st, registry, os.Stdin, os.Stdout)
	return rt.Run(ctx)
}
