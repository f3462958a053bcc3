package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/task"
)

var pruneMaxAge time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete terminal tasks older than the retention age, once",
	Run:   runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "override retention.max_age")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	maxAge := cfg.Retention.MaxAge
	if pruneMaxAge > 0 {
		maxAge = pruneMaxAge
	}
	if maxAge <= 0 {
		slog.Error("Retention is disabled; set retention.max_age or --max-age")
		os.Exit(1)
	}

	pruner := task.NewPruner(task.PrunerConfig{
		MaxAge: maxAge,
		Batch:  cfg.Retention.Batch,
	}, store.Repo, nil, clock.Real{})

	n, err := pruner.Prune(ctx)
	if err != nil {
		slog.Error("Prune failed", "deleted", n, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d task(s) older than %s\n", n, maxAge)
}
