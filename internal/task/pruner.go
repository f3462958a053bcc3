package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/infra/storage"
	"github.com/vietddude/promptloop/internal/metrics"
)

const pruneLock = "prune"

// Locker serializes pruning across processes sharing one store.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// PrunerConfig holds retention settings.
type PrunerConfig struct {
	MaxAge   time.Duration // 0 disables pruning
	Interval time.Duration
	Batch    int
}

// Pruner deletes terminal tasks older than the retention age, measured from
// their last update.
type Pruner struct {
	cfg    PrunerConfig
	repo   storage.TaskRepository
	locker Locker
	clock  clock.Clock
	logger *slog.Logger
}

// NewPruner creates a Pruner. locker may be nil for a single process.
func NewPruner(cfg PrunerConfig, repo storage.TaskRepository, locker Locker, clk clock.Clock) *Pruner {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = max(min(cfg.MaxAge/10, time.Hour), time.Minute)
	}
	return &Pruner{
		cfg:    cfg,
		repo:   repo,
		locker: locker,
		clock:  clk,
		logger: slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.MaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pruneLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneLogged(ctx)
		}
	}
}

func (p *Pruner) pruneLogged(ctx context.Context) {
	if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("Prune failed", "error", err)
	}
}

// Prune runs one retention pass, deleting in batches until nothing old is
// left. It returns the number of tasks deleted.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	if p.cfg.MaxAge <= 0 {
		return 0, nil
	}

	if p.locker != nil {
		ok, err := p.locker.AcquireLock(ctx, pruneLock, p.cfg.Interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			p.logger.Debug("Prune skipped, another process holds the lock")
			return 0, nil
		}
		defer func() {
			if err := p.locker.ReleaseLock(context.WithoutCancel(ctx), pruneLock); err != nil {
				p.logger.Warn("Failed to release prune lock", "error", err)
			}
		}()
	}

	cutoff := p.clock.Now().Add(-p.cfg.MaxAge)
	total := 0
	for {
		n, err := p.repo.DeleteTerminalBefore(ctx, cutoff, p.cfg.Batch)
		total += n
		metrics.TasksPruned.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n == 0 || p.cfg.Batch <= 0 || n < p.cfg.Batch {
			break
		}
	}

	if total > 0 {
		p.logger.Info("Pruned terminal tasks", "count", total, "cutoff", cutoff)
	}
	return total, nil
}
