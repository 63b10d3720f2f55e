package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/progress"
	"github.com/bifrost-run/bifrost/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch <execution-id>",
	Short: "Stream progress events for an execution",
	Long: `Subscribes to an execution's progress channel and prints each event as
a JSON line. Exits when the execution reaches a terminal state or on
Ctrl-C. Events published before the subscription are not replayed.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := execution.ID(args[0])

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("connecting store: %w", err)
	}
	defer closeStore()

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() { _ = db.Close() }()

	// A terminal execution publishes nothing more; print the record and
	// be done.
	if rec, err := db.ExecutionRepository().Get(id); err == nil && rec.Status.IsTerminal() {
		return printJSON(rec)
	}

	events, err := progress.Subscribe(ctx, st, id)
	if err != nil {
		return fmt.Errorf("subscribing to progress: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if ev.Kind == execution.ProgressState && isTerminalPayload(ev.Payload) {
				return nil
			}
		}
	}
}

// isTerminalPayload inspects a state event for a terminal status.
func isTerminalPayload(payload json.RawMessage) bool {
	var body struct {
		Status execution.Status `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.Status.IsTerminal()
}
