package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/storage"
)

// entry guards one task. The store map lock is only held to find entries.
type entry struct {
	mu   sync.Mutex
	task *domain.Task
}

type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[string]*entry)}
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

var _ storage.TaskRepository = (*TaskRepo)(nil)

func NewTaskRepo(store *MemoryStorage) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) lookup(id string) (*entry, error) {
	r.store.mu.RLock()
	e, ok := r.store.tasks[id]
	r.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return e, nil
}

func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", storage.ErrConflict, task.ID)
	}
	r.store.tasks[task.ID] = &entry{task: task.Clone()}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (r *TaskRepo) List(ctx context.Context, filter storage.TaskFilter) ([]*domain.Task, error) {
	r.store.mu.RLock()
	entries := make([]*entry, 0, len(r.store.tasks))
	for _, e := range r.store.tasks {
		entries = append(entries, e)
	}
	r.store.mu.RUnlock()

	var out []*domain.Task
	for _, e := range entries {
		e.mu.Lock()
		if filter.Status == "" || e.task.Status == filter.Status {
			t := e.task.Clone()
			t.Attempts = nil
			out = append(out, t)
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *TaskRepo) Claim(ctx context.Context, id string, at time.Time) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Status != domain.TaskPending {
		return fmt.Errorf("%w: task %s is %s", storage.ErrConflict, id, e.task.Status)
	}
	e.task.Status = domain.TaskRunning
	e.task.UpdatedAt = at
	return nil
}

func (r *TaskRepo) AppendAttempt(ctx context.Context, id string, rec domain.AttemptRecord, at time.Time) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Status != domain.TaskRunning {
		return false, fmt.Errorf("%w: task %s is %s", storage.ErrConflict, id, e.task.Status)
	}
	if rec.Index != len(e.task.Attempts) {
		return false, fmt.Errorf("%w: attempt %d out of order, next is %d", storage.ErrConflict, rec.Index, len(e.task.Attempts))
	}
	e.task.Attempts = append(e.task.Attempts, rec.Clone())
	e.task.UpdatedAt = at
	return e.task.CancelRequested, nil
}

func (r *TaskRepo) RequestCancel(ctx context.Context, id string, at time.Time) (*domain.Task, bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	switch e.task.Status {
	case domain.TaskPending:
		e.task.Status = domain.TaskCancelled
		e.task.ErrorKind = domain.KindCancelled
		e.task.Error = "cancelled before start"
		e.task.UpdatedAt = at
		changed = true
	case domain.TaskRunning:
		if !e.task.CancelRequested {
			e.task.CancelRequested = true
			e.task.UpdatedAt = at
			changed = true
		}
	}
	return e.task.Clone(), changed, nil
}

func (r *TaskRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.CancelRequested, nil
}

func (r *TaskRepo) Finish(ctx context.Context, id string, result domain.TaskResult, at time.Time) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", result.Status)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !domain.CanTransition(e.task.Status, result.Status) || e.task.Status != domain.TaskRunning {
		return fmt.Errorf("%w: task %s is %s", storage.ErrConflict, id, e.task.Status)
	}
	e.task.Status = result.Status
	e.task.Result = result.Result
	e.task.Error = result.Error
	e.task.ErrorKind = result.Kind
	e.task.UpdatedAt = at
	return nil
}

func (r *TaskRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	type candidate struct {
		id      string
		created time.Time
	}
	var victims []candidate
	for id, e := range r.store.tasks {
		e.mu.Lock()
		if e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(cutoff) {
			victims = append(victims, candidate{id: id, created: e.task.CreatedAt})
		}
		e.mu.Unlock()
	}

	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].created.Equal(victims[j].created) {
			return victims[i].created.Before(victims[j].created)
		}
		return victims[i].id < victims[j].id
	})
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, v := range victims {
		delete(r.store.tasks, v.id)
	}
	return len(victims), nil
}

func (r *TaskRepo) ListStale(ctx context.Context, status domain.TaskStatus, before time.Time) ([]*domain.Task, error) {
	r.store.mu.RLock()
	entries := make([]*entry, 0, len(r.store.tasks))
	for _, e := range r.store.tasks {
		entries = append(entries, e)
	}
	r.store.mu.RUnlock()

	var out []*domain.Task
	for _, e := range entries {
		e.mu.Lock()
		if e.task.Status == status && e.task.UpdatedAt.Before(before) {
			t := e.task.Clone()
			t.Attempts = nil
			out = append(out, t)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
