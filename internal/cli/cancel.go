package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task_id]",
	Short: "Cancel a pending task, or ask a running one to stop after its current attempt",
	Args:  cobra.ExactArgs(1),
	Run:   runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	t, _, err := store.Repo.RequestCancel(ctx, args[0], time.Now())
	if err != nil {
		slog.Error("Failed to cancel task", "task", args[0], "error", err)
		os.Exit(1)
	}

	switch {
	case t.CancelRequested && !t.Status.IsTerminal():
		fmt.Printf("Task %s is running; it will stop at its next attempt boundary\n", t.ID)
	default:
		fmt.Printf("Task %s is %s\n", t.ID, t.Status)
	}
}
