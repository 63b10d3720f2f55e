package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/store"
)

var (
	statusTenant string
	statusState  string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show execution records",
	Long: `With an execution ID, prints that record. Without one, lists recent
executions, optionally filtered by tenant or status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "filter by tenant")
	statusCmd.Flags().StringVar(&statusState, "state", "", "filter by status (PENDING, RUNNING, SUCCESS, ...)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum records to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() { _ = db.Close() }()
	repo := db.ExecutionRepository()

	if len(args) == 1 {
		rec, err := repo.Get(execution.ID(args[0]))
		if err != nil {
			return err
		}
		return printJSON(rec)
	}

	recs, err := repo.List(store.ListFilter{
		TenantID: statusTenant,
		Status:   execution.Status(statusState),
		Limit:    statusLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(recs)
}
