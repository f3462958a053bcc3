// Package storagetest holds the behavioral suite every TaskRepository must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/storage"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewTask builds a pending task created at base+offset.
func NewTask(id string, offset time.Duration) *domain.Task {
	at := base.Add(offset)
	return &domain.Task{
		ID:     id,
		Status: domain.TaskPending,
		Request: domain.Request{
			Transcript: domain.Transcript{{Role: domain.RoleUser, Content: "pick a number"}},
			Model:      "m",
			Strategies: []string{"digit7"},
			Context:    map[string]any{domain.ContextTool: "calculator"},
		},
		Policy: domain.RetryPolicy{
			MaxAttempts:                 3,
			InitialDelay:                time.Second,
			BackoffFactor:               2,
			MaxDelay:                    10 * time.Second,
			HumanEscalationAfterAttempt: domain.AttemptIndex(2),
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func record(i int, response string, valid bool) domain.AttemptRecord {
	o := domain.Pass("digit7")
	if !valid {
		o = domain.Fail("digit7", "must contain digit 7", "try 7")
	}
	return domain.AttemptRecord{
		Index:     i,
		Response:  response,
		Outcomes:  []domain.ValidationOutcome{o},
		Timestamp: base.Add(time.Duration(i) * time.Second),
		Delay:     time.Duration(i) * time.Second,
	}
}

// Run exercises repo against the TaskRepository contract. newRepo must
// return an empty repository on every call.
func Run(t *testing.T, newRepo func(t *testing.T) storage.TaskRepository) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		repo := newRepo(t)
		task := NewTask("t1", 0)
		require.NoError(t, repo.Create(ctx, task))

		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, domain.TaskPending, got.Status)
		require.Equal(t, task.Request, got.Request)
		require.Equal(t, task.Policy, got.Policy)
		require.True(t, task.CreatedAt.Equal(got.CreatedAt))
		require.Empty(t, got.Attempts)

		require.ErrorIs(t, repo.Create(ctx, task), storage.ErrConflict)
	})

	t.Run("get unknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "nope")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- repo.Claim(ctx, "t1", base.Add(time.Minute))
			}()
		}
		wg.Wait()
		close(results)

		won := 0
		for err := range results {
			if err == nil {
				won++
				continue
			}
			require.ErrorIs(t, err, storage.ErrConflict)
		}
		require.Equal(t, 1, won)

		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, domain.TaskRunning, got.Status)
		require.True(t, base.Add(time.Minute).Equal(got.UpdatedAt))

		require.ErrorIs(t, repo.Claim(ctx, "missing", base), storage.ErrNotFound)
	})

	t.Run("append attempts in order", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))

		_, err := repo.AppendAttempt(ctx, "t1", record(0, "42", false), base)
		require.ErrorIs(t, err, storage.ErrConflict, "append before claim")

		require.NoError(t, repo.Claim(ctx, "t1", base))

		cancel, err := repo.AppendAttempt(ctx, "t1", record(0, "42", false), base.Add(time.Second))
		require.NoError(t, err)
		require.False(t, cancel)

		_, err = repo.AppendAttempt(ctx, "t1", record(2, "x", false), base)
		require.ErrorIs(t, err, storage.ErrConflict, "gap in indices")
		_, err = repo.AppendAttempt(ctx, "t1", record(0, "x", false), base)
		require.ErrorIs(t, err, storage.ErrConflict, "duplicate index")

		_, err = repo.AppendAttempt(ctx, "t1", record(1, "47", true), base.Add(2*time.Second))
		require.NoError(t, err)

		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, got.Attempts, 2)
		require.Equal(t, "42", got.Attempts[0].Response)
		require.Equal(t, "must contain digit 7", got.Attempts[0].Outcomes[0].Error)
		require.Equal(t, []string{"try 7"}, got.Attempts[0].Outcomes[0].Suggestions)
		require.Equal(t, time.Second, got.Attempts[1].Delay)
		require.True(t, record(1, "", true).Timestamp.Equal(got.Attempts[1].Timestamp))
		require.True(t, base.Add(2*time.Second).Equal(got.UpdatedAt))
	})

	t.Run("finish is atomic and terminal", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))

		done := domain.TaskResult{Status: domain.TaskCompleted, Result: "47"}
		require.ErrorIs(t, repo.Finish(ctx, "t1", done, base), storage.ErrConflict)

		require.NoError(t, repo.Claim(ctx, "t1", base))
		require.NoError(t, repo.Finish(ctx, "t1", done, base.Add(time.Hour)))

		failed := domain.TaskResult{Status: domain.TaskFailed, Error: "late", Kind: domain.KindInternal}
		require.ErrorIs(t, repo.Finish(ctx, "t1", failed, base.Add(2*time.Hour)), storage.ErrConflict)

		_, err := repo.AppendAttempt(ctx, "t1", record(0, "x", true), base)
		require.ErrorIs(t, err, storage.ErrConflict)

		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, domain.TaskCompleted, got.Status)
		require.Equal(t, "47", got.Result)
		require.Empty(t, got.Error)
		require.True(t, base.Add(time.Hour).Equal(got.UpdatedAt))
	})

	t.Run("cancel pending", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))

		got, changed, err := repo.RequestCancel(ctx, "t1", base.Add(time.Second))
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.TaskCancelled, got.Status)
		require.Equal(t, domain.KindCancelled, got.ErrorKind)
		require.Empty(t, got.Attempts)

		got, changed, err = repo.RequestCancel(ctx, "t1", base.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, changed)
		require.Equal(t, domain.TaskCancelled, got.Status)
		require.True(t, base.Add(time.Second).Equal(got.UpdatedAt))

		require.ErrorIs(t, repo.Claim(ctx, "t1", base), storage.ErrConflict)
	})

	t.Run("cancel running sets flag", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))
		require.NoError(t, repo.Claim(ctx, "t1", base))

		flag, err := repo.CancelRequested(ctx, "t1")
		require.NoError(t, err)
		require.False(t, flag)

		got, changed, err := repo.RequestCancel(ctx, "t1", base.Add(time.Second))
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.TaskRunning, got.Status)
		require.True(t, got.CancelRequested)

		flag, err = repo.CancelRequested(ctx, "t1")
		require.NoError(t, err)
		require.True(t, flag)

		_, changed, err = repo.RequestCancel(ctx, "t1", base.Add(time.Second))
		require.NoError(t, err)
		require.False(t, changed)

		cancel, err := repo.AppendAttempt(ctx, "t1", record(0, "42", false), base.Add(2*time.Second))
		require.NoError(t, err)
		require.True(t, cancel)

		require.NoError(t, repo.Finish(ctx, "t1", domain.TaskResult{
			Status: domain.TaskCancelled,
			Error:  "cancelled",
			Kind:   domain.KindCancelled,
		}, base.Add(3*time.Second)))
	})

	t.Run("cancel terminal is a no-op", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("t1", 0)))
		require.NoError(t, repo.Claim(ctx, "t1", base))
		require.NoError(t, repo.Finish(ctx, "t1", domain.TaskResult{Status: domain.TaskCompleted, Result: "7"}, base))

		got, changed, err := repo.RequestCancel(ctx, "t1", base.Add(time.Hour))
		require.NoError(t, err)
		require.False(t, changed)
		require.Equal(t, domain.TaskCompleted, got.Status)
		require.False(t, got.CancelRequested)
		require.True(t, base.Equal(got.UpdatedAt))

		_, _, err = repo.RequestCancel(ctx, "missing", base)
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.CancelRequested(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, repo.Create(ctx, NewTask(fmt.Sprintf("t%d", i), time.Duration(i)*time.Minute)))
		}
		require.NoError(t, repo.Claim(ctx, "t1", base))

		all, err := repo.List(ctx, storage.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, "t3", all[0].ID)
		require.Equal(t, "t0", all[3].ID)

		pending, err := repo.List(ctx, storage.TaskFilter{Status: domain.TaskPending, Limit: 2})
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, "t3", pending[0].ID)
		require.Equal(t, "t2", pending[1].ID)
	})

	t.Run("delete terminal before cutoff", func(t *testing.T) {
		repo := newRepo(t)
		finish := func(id string, offset time.Duration, at time.Time) {
			require.NoError(t, repo.Create(ctx, NewTask(id, offset)))
			require.NoError(t, repo.Claim(ctx, id, at))
			_, err := repo.AppendAttempt(ctx, id, record(0, "7", true), at)
			require.NoError(t, err)
			require.NoError(t, repo.Finish(ctx, id, domain.TaskResult{Status: domain.TaskCompleted, Result: "7"}, at))
		}
		finish("old-b", 2*time.Minute, base.Add(time.Hour))
		finish("old-a", time.Minute, base.Add(time.Hour))
		finish("fresh", 3*time.Minute, base.Add(48*time.Hour))
		require.NoError(t, repo.Create(ctx, NewTask("pending-old", 0)))

		cutoff := base.Add(24 * time.Hour)

		n, err := repo.DeleteTerminalBefore(ctx, cutoff, 1)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, err = repo.Get(ctx, "old-a")
		require.ErrorIs(t, err, storage.ErrNotFound, "oldest created goes first")

		n, err = repo.DeleteTerminalBefore(ctx, cutoff, 0)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = repo.Get(ctx, "old-b")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "fresh")
		require.NoError(t, err)
		_, err = repo.Get(ctx, "pending-old")
		require.NoError(t, err)
	})

	t.Run("list stale running", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, NewTask("stuck", 0)))
		require.NoError(t, repo.Claim(ctx, "stuck", base))
		require.NoError(t, repo.Create(ctx, NewTask("busy", 0)))
		require.NoError(t, repo.Claim(ctx, "busy", base.Add(time.Hour)))
		require.NoError(t, repo.Create(ctx, NewTask("waiting", 0)))

		stale, err := repo.ListStale(ctx, domain.TaskRunning, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, "stuck", stale[0].ID)
	})
}
