package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/resolver"
	"github.com/bifrost-run/bifrost/internal/store"
	"github.com/bifrost-run/bifrost/internal/submit"
)

var (
	submitKind    string
	submitParams  string
	submitTenant  string
	submitUser    string
	submitTimeout int
	submitSync    bool
	submitWait    int
)

var submitCmd = &cobra.Command{
	Use:   "submit <target>",
	Short: "Submit an execution",
	Long: `Submits one execution against a registered target. By default the
command returns a receipt as soon as the request is durably queued; pass
--sync to block until the execution finishes and print its record.

Examples:
  bifrost submit demo.echo --params '{"message":"hello"}'
  bifrost submit demo.sleep --params '{"seconds":2}' --sync
  bifrost submit my.pipeline --kind workflow --tenant acme --timeout 120`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", string(execution.KindTool), "execution kind (workflow, tool, data_provider, inline_code)")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "parameters as a JSON object")
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "default", "tenant on whose behalf the execution runs")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "submitting user")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 0, "execution timeout in seconds (0 = target or pool default)")
	submitCmd.Flags().BoolVar(&submitSync, "sync", false, "wait for the result instead of returning a receipt")
	submitCmd.Flags().IntVar(&submitWait, "wait", 0, "sync wait in seconds (0 = the configured ceiling)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()

	var params map[string]any
	if submitParams != "" {
		if err := json.Unmarshal([]byte(submitParams), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	svc, closeSvc, err := openSubmitService(ctx)
	if err != nil {
		return err
	}
	defer closeSvc()

	req := execution.Request{
		Kind:       execution.Kind(submitKind),
		Target:     args[0],
		Parameters: params,
		Caller:     execution.Caller{TenantID: submitTenant, UserID: submitUser},
		Sync:       submitSync,
	}
	if submitTimeout != 0 {
		req.TimeoutSeconds = &submitTimeout
	}
	receipt, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}

	if !submitSync {
		return printJSON(receipt)
	}

	wait := time.Duration(submitWait) * time.Second
	if wait <= 0 {
		wait = time.Duration(cfg.Submit.SyncWaitCeilingSeconds) * time.Second
	}
	rec, err := svc.WaitForResult(ctx, receipt.ID, wait)
	if err != nil {
		return fmt.Errorf("execution %s accepted but not finished: %w", receipt.ID, err)
	}
	return printJSON(rec)
}

// openSubmitService wires a submission service against the configured
// backends. The caller must invoke the returned cleanup.
func openSubmitService(ctx context.Context) (*submit.Service, func(), error) {
	st, q, closeFabric, err := openFabric(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting store and queue: %w", err)
	}
	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		closeFabric()
		return nil, nil, fmt.Errorf("opening record store: %w", err)
	}

	// Submission resolves targets synchronously, so the CLI needs the
	// same registry the scheduler runs with. One-shot commands load the
	// manifest once and skip the watcher.
	registry := resolver.NewRegistry()
	if cfg.Resolver.ManifestPath != "" {
		if err := registry.LoadManifest(cfg.Resolver.ManifestPath); err != nil {
			log.ErrorErr(log.CatResolver, "Manifest load failed", err, "path", cfg.Resolver.ManifestPath)
		}
	}

	svc := submit.NewService(st, q, db.ExecutionRepository(), registry, cfg.Submit, nil)
	return svc, func() {
		registry.Close()
		_ = db.Close()
		closeFabric()
	}, nil
}
