package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/promptloop/internal/core/domain"
)

var staleAfter time.Duration

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List running tasks that stopped making progress",
	Long: `Tasks are not requeued after a crash. A running task whose last update
is older than the threshold most likely lost its worker; resubmit it if needed.`,
	Run: runStale,
}

func init() {
	staleCmd.Flags().DurationVar(&staleAfter, "after", 0, "override workers.stale_after")
	rootCmd.AddCommand(staleCmd)
}

func runStale(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	threshold := cfg.Workers.StaleAfter
	if staleAfter > 0 {
		threshold = staleAfter
	}

	tasks, err := store.Repo.ListStale(ctx, domain.TaskRunning, time.Now().Add(-threshold))
	if err != nil {
		slog.Error("Failed to list stale tasks", "error", err)
		os.Exit(1)
	}
	printTasks(tasks)
}
