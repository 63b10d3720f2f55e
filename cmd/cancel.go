package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/execution"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Request cancellation of an execution",
	Long: `Publishes a cancel request. Cancellation is best effort: a queued
execution is cancelled before it runs, a running one is interrupted, and
a finished one is unaffected. Check "bifrost status" for the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded with the cancellation")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx := cmd.Context()
	svc, closeSvc, err := openSubmitService(ctx)
	if err != nil {
		return err
	}
	defer closeSvc()

	id := execution.ID(args[0])
	if err := svc.Cancel(ctx, id, cancelReason); err != nil {
		return err
	}
	fmt.Printf("Cancel requested for %s\n", id)
	return nil
}
