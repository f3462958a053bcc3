// Package task hosts orchestrator runs as durable, pollable tasks: submission,
// exclusive execution by workers, status reads, waiting, cancellation and
// retention.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/llm"
	"github.com/vietddude/promptloop/internal/infra/storage"
	"github.com/vietddude/promptloop/internal/metrics"
	"github.com/vietddude/promptloop/internal/orchestrator"
	"github.com/vietddude/promptloop/internal/validation"
)

// finishTimeout bounds the terminal write, which runs even after ctx is done.
const finishTimeout = 10 * time.Second

// Resolver binds a model identifier to a transport.
type Resolver interface {
	Resolve(model string) (llm.Transport, error)
}

// Config holds manager settings.
type Config struct {
	// ExecutionTimeout caps a whole run. Zero disables the ceiling.
	ExecutionTimeout time.Duration
	// PollInterval is how often Wait re-reads the store for tasks that may
	// be running in another process.
	PollInterval time.Duration
	// StaleAfter is the age at which a running task is reported as stale.
	StaleAfter time.Duration
	// SweepInterval is how often the pool re-dispatches pending tasks after
	// an enqueue was refused.
	SweepInterval time.Duration
}

// Manager owns the task lifecycle on top of a TaskRepository.
type Manager struct {
	repo       storage.TaskRepository
	orch       *orchestrator.Orchestrator
	registry   *validation.Registry
	resolver   Resolver
	dispatcher Dispatcher
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*runHandle
	done    *notifier

	// backlog is set when a pending task could not be dispatched.
	backlog atomic.Bool
}

type runHandle struct {
	cancel chan struct{}
	once   sync.Once
}

func (h *runHandle) signal() {
	h.once.Do(func() { close(h.cancel) })
}

// NewManager creates a Manager. A nil clock means wall time.
func NewManager(
	repo storage.TaskRepository,
	registry *validation.Registry,
	resolver Resolver,
	dispatcher Dispatcher,
	clk clock.Clock,
	cfg Config,
) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Manager{
		repo:       repo,
		orch:       orchestrator.New(registry, clk),
		registry:   registry,
		resolver:   resolver,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		logger:     slog.Default().With("component", "task_manager"),
		running:    make(map[string]*runHandle),
		done:       newNotifier(),
	}
}

// Submit persists a pending task and hands it to the dispatcher. The returned
// id can be polled immediately.
func (m *Manager) Submit(ctx context.Context, req domain.Request, policy domain.RetryPolicy) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if _, err := m.registry.Resolve(req.Strategies); err != nil {
		return "", err
	}
	if _, err := m.resolver.Resolve(req.Model); err != nil {
		return "", err
	}

	now := m.clock.Now()
	t := &domain.Task{
		ID:        uuid.NewString(),
		Status:    domain.TaskPending,
		Request:   req.Clone(),
		Policy:    policy.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	metrics.TasksTotal.WithLabelValues(string(domain.TaskPending)).Inc()

	if err := m.dispatcher.Enqueue(ctx, t.ID); err != nil {
		// The row is durable; the next sweep dispatches it.
		m.backlog.Store(true)
		if errors.Is(err, ErrQueueFull) {
			m.logger.Warn("Dispatch queue full, task left for sweep", "task", t.ID)
		} else {
			m.logger.Error("Task persisted but not dispatched", "task", t.ID, "error", err)
		}
	}

	m.logger.Info("Task submitted", "task", t.ID, "model", req.Model)
	return t.ID, nil
}

// ClaimAndRun executes a pending task. It reports false without error when
// the task was already claimed or is no longer pending.
func (m *Manager) ClaimAndRun(ctx context.Context, id string) (bool, error) {
	started := m.clock.Now()
	if err := m.repo.Claim(ctx, id, started); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug("Task not claimable", "task", id)
			return false, nil
		}
		return false, notFound(id, err)
	}
	metrics.TasksTotal.WithLabelValues(string(domain.TaskRunning)).Inc()

	h := &runHandle{cancel: make(chan struct{})}
	m.mu.Lock()
	m.running[id] = h
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		m.done.broadcast(id)
	}()

	t, err := m.repo.Get(ctx, id)
	if err != nil {
		res := domain.TaskResult{Status: domain.TaskFailed, Error: err.Error(), Kind: domain.KindInternal}
		m.finish(ctx, id, res, started)
		return true, err
	}
	// A cancel may have landed between Claim and registering the handle.
	if t.CancelRequested {
		h.signal()
	}

	m.logger.Info("Task started", "task", id, "model", t.Request.Model)
	res := m.execute(ctx, t, h.cancel)
	m.finish(ctx, id, res, started)
	return true, nil
}

// execute runs the orchestrator for t and maps its outcome to a terminal
// result. A panic anywhere in the run becomes a failed task.
func (m *Manager) execute(ctx context.Context, t *domain.Task, cancel <-chan struct{}) (res domain.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task panicked", "task", t.ID, "panic", r, "stack", string(debug.Stack()))
			res = domain.TaskResult{
				Status: domain.TaskFailed,
				Error:  fmt.Sprintf("panic: %v", r),
				Kind:   domain.KindInternal,
			}
		}
	}()

	transport, err := m.resolver.Resolve(t.Request.Model)
	if err != nil {
		return domain.TaskResult{Status: domain.TaskFailed, Error: err.Error(), Kind: domain.KindTransport}
	}

	runCtx := ctx
	if m.cfg.ExecutionTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(ctx, m.cfg.ExecutionTimeout)
		defer stop()
	}

	out, err := m.orch.Run(runCtx, orchestrator.Run{
		Request:   t.Request,
		Policy:    t.Policy,
		Transport: transport,
		Cancel:    cancel,
		CancelRequested: func() bool {
			flag, err := m.repo.CancelRequested(context.WithoutCancel(ctx), t.ID)
			if err != nil {
				m.logger.Warn("Failed to read cancel flag", "task", t.ID, "error", err)
				return false
			}
			return flag
		},
		OnAttempt: func(rec domain.AttemptRecord) error {
			cancelled, err := m.repo.AppendAttempt(context.WithoutCancel(ctx), t.ID, rec, m.clock.Now())
			if err != nil {
				return err
			}
			if cancelled {
				return orchestrator.ErrCancelled
			}
			return nil
		},
	})

	switch {
	case err == nil:
		return domain.TaskResult{Status: domain.TaskCompleted, Result: out.Response}
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return domain.TaskResult{
			Status: domain.TaskTimeout,
			Error:  fmt.Sprintf("execution exceeded %s", m.cfg.ExecutionTimeout),
			Kind:   domain.KindTimeout,
		}
	}

	kind := orchestrator.Kind(err)
	status := domain.TaskFailed
	if kind == domain.KindCancelled {
		status = domain.TaskCancelled
	}
	return domain.TaskResult{Status: status, Error: err.Error(), Kind: kind}
}

func (m *Manager) finish(ctx context.Context, id string, res domain.TaskResult, started time.Time) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := m.repo.Finish(wctx, id, res, m.clock.Now()); err != nil {
		m.logger.Error("Failed to write terminal status", "task", id, "status", res.Status, "error", err)
		return
	}
	metrics.TasksTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(res.Status)).Observe(m.clock.Now().Sub(started).Seconds())

	if res.Status == domain.TaskCompleted {
		m.logger.Info("Task completed", "task", id)
	} else {
		m.logger.Warn("Task ended", "task", id, "status", res.Status, "kind", res.Kind, "error", res.Error)
	}
}

// GetStatus returns a snapshot of the task. It never blocks on a running task.
func (m *Manager) GetStatus(ctx context.Context, id string) (*domain.Task, error) {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return t, nil
}

// List returns tasks newest first, without attempt history.
func (m *Manager) List(ctx context.Context, filter storage.TaskFilter) ([]*domain.Task, error) {
	return m.repo.List(ctx, filter)
}

// Wait blocks until the task is terminal or timeout elapses. On timeout it
// returns the latest snapshot with ErrWaitTimeout. A timeout <= 0 waits
// until ctx is done.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (*domain.Task, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Subscribe before reading so a completion in between is not missed.
		ch, unsubscribe := m.done.subscribe(id)
		t, err := m.repo.Get(ctx, id)
		if err != nil {
			unsubscribe()
			return nil, notFound(id, err)
		}
		if t.Status.IsTerminal() {
			unsubscribe()
			return t, nil
		}

		select {
		case <-ch:
		case <-ticker.C:
		case <-expired:
			unsubscribe()
			return t, fmt.Errorf("%w after %s: %s is %s", ErrWaitTimeout, timeout, id, t.Status)
		case <-ctx.Done():
			unsubscribe()
			return t, ctx.Err()
		}
		unsubscribe()
	}
}

// Cancel cancels a pending task outright or asks a running one to stop at
// its next attempt boundary. Cancelling a terminal task is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	t, changed, err := m.repo.RequestCancel(ctx, id, m.clock.Now())
	if err != nil {
		return nil, notFound(id, err)
	}

	switch {
	case t.Status == domain.TaskCancelled && changed:
		metrics.TasksTotal.WithLabelValues(string(domain.TaskCancelled)).Inc()
		m.done.broadcast(id)
		m.logger.Info("Pending task cancelled", "task", id)
	case t.Status == domain.TaskRunning:
		// The flag may have been set by another process; signal regardless.
		m.mu.Lock()
		h, ok := m.running[id]
		m.mu.Unlock()
		if ok {
			h.signal()
		}
		if changed {
			m.logger.Info("Cancellation requested", "task", id, "local", ok)
		}
	}
	return t, nil
}

// Recover re-enqueues pending tasks and reports running tasks whose last
// update is older than StaleAfter. Stale tasks are not requeued. Pending
// tasks that do not fit in the dispatch queue are left for the sweep.
func (m *Manager) Recover(ctx context.Context) (int, []*domain.Task, error) {
	requeued, err := m.requeuePending(ctx)
	if err != nil {
		return requeued, nil, err
	}

	stale, err := m.Stale(ctx)
	if err != nil {
		return requeued, nil, err
	}
	for _, t := range stale {
		m.logger.Warn("Stale running task",
			"task", t.ID,
			"updated_at", t.UpdatedAt,
			"age", m.clock.Now().Sub(t.UpdatedAt).Round(time.Second),
		)
	}
	if requeued > 0 || len(stale) > 0 {
		m.logger.Info("Recovery complete", "requeued", requeued, "stale", len(stale))
	}
	return requeued, stale, nil
}

// Sweep re-dispatches pending tasks if an earlier enqueue was refused.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if !m.backlog.Swap(false) {
		return 0, nil
	}
	n, err := m.requeuePending(ctx)
	if err != nil {
		m.backlog.Store(true)
		return n, err
	}
	if n > 0 {
		m.logger.Debug("Swept pending tasks", "requeued", n)
	}
	return n, nil
}

// requeuePending enqueues pending tasks oldest first until the dispatcher
// refuses one, in which case the backlog flag is raised again.
func (m *Manager) requeuePending(ctx context.Context) (int, error) {
	pending, err := m.repo.List(ctx, storage.TaskFilter{Status: domain.TaskPending})
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	requeued := 0
	for i := len(pending) - 1; i >= 0; i-- {
		err := m.dispatcher.Enqueue(ctx, pending[i].ID)
		if errors.Is(err, ErrQueueFull) {
			m.backlog.Store(true)
			break
		}
		if err != nil {
			return requeued, fmt.Errorf("enqueue %s: %w", pending[i].ID, err)
		}
		requeued++
	}
	return requeued, nil
}

// Stale lists running tasks not updated within StaleAfter.
func (m *Manager) Stale(ctx context.Context) ([]*domain.Task, error) {
	if m.cfg.StaleAfter <= 0 {
		return nil, nil
	}
	return m.repo.ListStale(ctx, domain.TaskRunning, m.clock.Now().Add(-m.cfg.StaleAfter))
}

// notifier wakes local waiters when a task reaches a terminal state.
type notifier struct {
	mu    sync.Mutex
	chans map[string]*waiters
}

type waiters struct {
	ch chan struct{}
	n  int
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]*waiters)}
}

func (n *notifier) subscribe(id string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.chans[id]
	if !ok {
		w = &waiters{ch: make(chan struct{})}
		n.chans[id] = w
	}
	w.n++

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if cur, ok := n.chans[id]; ok && cur == w {
				w.n--
				if w.n == 0 {
					delete(n.chans, id)
				}
			}
		})
	}
}

func (n *notifier) broadcast(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.chans[id]; ok {
		close(w.ch)
		delete(n.chans, id)
	}
}
