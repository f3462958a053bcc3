package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/promptloop/internal/core/domain"
)

var (
	// ErrNotFound is returned when a task doesn't exist
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a conditional write finds the task in an unexpected state
	ErrConflict = errors.New("task state conflict")
)

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
}

// TaskRepository handles task storage operations. Every mutation of a single
// task is atomic; operations on different tasks do not contend.
type TaskRepository interface {
	// Create persists a new pending task
	Create(ctx context.Context, task *domain.Task) error

	// Get returns a snapshot of the task including its attempt history
	Get(ctx context.Context, id string) (*domain.Task, error)

	// List returns tasks newest first, without attempt history
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// Claim transitions pending -> running. ErrConflict if the task is not pending.
	Claim(ctx context.Context, id string, at time.Time) error

	// AppendAttempt adds the next attempt record to a running task and
	// reports whether cancellation has been requested.
	// ErrConflict if the task is not running or rec.Index is out of order.
	AppendAttempt(ctx context.Context, id string, rec domain.AttemptRecord, at time.Time) (bool, error)

	// RequestCancel cancels a pending task outright, flags a running task and
	// leaves a terminal task untouched. Returns the resulting snapshot and
	// whether this call changed the task.
	RequestCancel(ctx context.Context, id string, at time.Time) (*domain.Task, bool, error)

	// CancelRequested reads the cancellation flag without loading history
	CancelRequested(ctx context.Context, id string) (bool, error)

	// Finish writes the terminal result of a running task.
	// ErrConflict if the task is not running.
	Finish(ctx context.Context, id string, result domain.TaskResult, at time.Time) error

	// DeleteTerminalBefore deletes up to limit terminal tasks last updated
	// before cutoff, oldest created first. limit <= 0 means no limit.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// ListStale returns tasks in status last updated before the given time
	ListStale(ctx context.Context, status domain.TaskStatus, before time.Time) ([]*domain.Task, error)
}
