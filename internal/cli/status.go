package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/storage"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [task_id]",
	Short: "List recent tasks, or show one task with its attempts",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show tasks in this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum number of tasks to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer func() {
		_ = store.Close()
	}()

	if len(args) == 1 {
		t, err := store.Repo.Get(ctx, args[0])
		if err != nil {
			slog.Error("Failed to load task", "task", args[0], "error", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(t)
		return
	}

	filter := storage.TaskFilter{Status: domain.TaskStatus(statusFilter), Limit: statusLimit}
	if filter.Status != "" && !filter.Status.Valid() {
		slog.Error("Unknown status", "status", statusFilter)
		os.Exit(1)
	}
	tasks, err := store.Repo.List(ctx, filter)
	if err != nil {
		slog.Error("Failed to list tasks", "error", err)
		os.Exit(1)
	}
	printTasks(tasks)
}

func printTasks(tasks []*domain.Task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tKIND\tUPDATED")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Request.Model, t.ErrorKind, t.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
