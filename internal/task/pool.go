package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// dequeueBackoff is the pause after a dispatcher error.
const dequeueBackoff = time.Second

// Pool runs workers that pull task ids from a Dispatcher and execute them.
type Pool struct {
	manager    *Manager
	dispatcher Dispatcher
	workers    int
	logger     *slog.Logger
}

// NewPool creates a pool of n workers.
func NewPool(manager *Manager, dispatcher Dispatcher, n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		manager:    manager,
		dispatcher: dispatcher,
		workers:    n,
		logger:     slog.Default().With("component", "worker_pool"),
	}
}

// Run blocks until ctx is cancelled. In-flight tasks see the cancellation at
// their next attempt boundary and are finished before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting workers", "count", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx, i)
		})
	}
	g.Go(func() error {
		return p.sweep(ctx)
	})
	err := g.Wait()
	p.logger.Info("Workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.logger.With("worker", worker)
	for {
		id, err := p.dispatcher.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		ran, err := p.manager.ClaimAndRun(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			log.Debug("Dispatched task no longer exists", "task", id)
		case err != nil:
			log.Error("Task execution failed", "task", id, "error", err)
		case !ran:
			log.Debug("Task skipped", "task", id)
		}
	}
}

// sweep periodically re-dispatches pending tasks the dispatcher refused.
func (p *Pool) sweep(ctx context.Context) error {
	ticker := time.NewTicker(p.manager.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.manager.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Pending sweep failed", "error", err)
			}
		}
	}
}
