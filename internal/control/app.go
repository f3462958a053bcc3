// Package control wires configuration into a running service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/vietddude/promptloop/internal/api"
	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/core/config"
	"github.com/vietddude/promptloop/internal/infra/llm"
	redisclient "github.com/vietddude/promptloop/internal/infra/redis"
	"github.com/vietddude/promptloop/internal/infra/storage"
	"github.com/vietddude/promptloop/internal/infra/storage/memory"
	"github.com/vietddude/promptloop/internal/infra/storage/sqlstore"
	"github.com/vietddude/promptloop/internal/orchestrator"
	"github.com/vietddude/promptloop/internal/task"
	"github.com/vietddude/promptloop/internal/validation"
)

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

// App is the assembled service.
type App struct {
	cfg      *config.AppConfig
	repo     storage.TaskRepository
	db       *sqlstore.DB
	redis    *redisclient.Client
	router   *llm.Router
	registry *validation.Registry
	manager  *task.Manager
	pool     *task.Pool
	pruner   *task.Pruner
	server   *api.Server
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Store is an opened task repository plus the SQL handle behind it, if any.
type Store struct {
	Repo storage.TaskRepository
	DB   *sqlstore.DB
}

// Close releases the SQL handle.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore opens the configured task store and applies migrations.
func OpenStore(ctx context.Context, cfg sqlstore.Config) (*Store, error) {
	if cfg.Driver == DriverMemory {
		slog.Info("Using memory storage")
		return &Store{Repo: memory.NewTaskRepo(memory.NewMemoryStorage())}, nil
	}

	db, err := sqlstore.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Using SQL storage", "driver", cfg.Driver)
	return &Store{Repo: sqlstore.NewTaskRepo(db), DB: db}, nil
}

// NewRegistry registers the configured validators plus a default non_empty check.
func NewRegistry(defs []validation.Definition) (*validation.Registry, error) {
	registry := validation.NewRegistry()
	if err := registry.RegisterDefinitions(defs); err != nil {
		return nil, err
	}
	if !slices.Contains(registry.Names(), string(validation.TypeNonEmpty)) {
		if err := registry.Register(string(validation.TypeNonEmpty), validation.NewNonEmpty(string(validation.TypeNonEmpty))); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// NewRouter builds the model router. Without providers every model echoes
// the last user turn, which is only useful for smoke runs.
func NewRouter(providers []llm.ProviderConfig) (*llm.Router, error) {
	if len(providers) == 0 {
		slog.Warn("No providers configured, binding echo transport to every model")
		providers = []llm.ProviderConfig{{Name: "echo", Type: "echo"}}
	}
	return llm.NewRouterFromConfig(providers)
}

// New assembles the service from cfg.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default().With("component", "app")}

	// Ids popped from a shared queue must resolve in a shared store.
	if cfg.UsesRedis() && cfg.Database.Driver == DriverMemory {
		return nil, errors.New("redis dispatch requires a shared database, not memory storage")
	}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.repo, app.db = store.Repo, store.DB

	if app.registry, err = NewRegistry(cfg.Validators); err != nil {
		app.close()
		return nil, fmt.Errorf("validators: %w", err)
	}
	if app.router, err = NewRouter(cfg.Providers); err != nil {
		app.close()
		return nil, fmt.Errorf("providers: %w", err)
	}

	var dispatcher task.Dispatcher
	var locker task.Locker
	if cfg.UsesRedis() {
		app.redis, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		dispatcher = redisclient.NewQueue(app.redis)
		locker = app.redis
		slog.Info("Using Redis dispatch queue")
	} else {
		dispatcher = task.NewChannelDispatcher(cfg.Workers.QueueSize)
	}

	clk := clock.Real{}
	app.manager = task.NewManager(app.repo, app.registry, app.router, dispatcher, clk, task.Config{
		ExecutionTimeout: cfg.Workers.ExecutionTimeout,
		PollInterval:     cfg.Workers.PollInterval,
		StaleAfter:       cfg.Workers.StaleAfter,
	})
	app.pool = task.NewPool(app.manager, dispatcher, cfg.Workers.Count)
	app.pruner = task.NewPruner(task.PrunerConfig{
		MaxAge:   cfg.Retention.MaxAge,
		Interval: cfg.Retention.Interval,
		Batch:    cfg.Retention.Batch,
	}, app.repo, locker, clk)

	monitor := api.NewMonitor(app.router)
	if app.db != nil {
		monitor.AddProbe("database", app.db.Health)
	}
	if app.redis != nil {
		monitor.AddProbe("redis", app.redis.Health)
	}

	app.server = api.NewServer(api.Deps{
		Manager:      app.manager,
		Orchestrator: orchestrator.New(app.registry, clk),
		Resolver:     app.router,
		Monitor:      monitor,
		Policy:       cfg.Policy,
	}, cfg.Server.Port)

	return app, nil
}

// Manager returns the task manager.
func (a *App) Manager() *task.Manager {
	return a.manager
}

// Start launches the API, workers, pruner and collectors.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.pool.Run(ctx); err != nil {
			a.log.Error("Worker pool stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.pruner.Start(ctx)
	}()

	if _, _, err := a.manager.Recover(ctx); err != nil {
		a.cancel()
		a.wg.Wait()
		return fmt.Errorf("recover tasks: %w", err)
	}

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("API server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	a.log.Info("Service started",
		"port", a.cfg.Server.Port,
		"workers", a.cfg.Workers.Count,
		"validators", a.registry.Names(),
	)
	return nil
}

// Stop shuts down the API, then waits for workers to finish their current
// tasks before closing connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping service...")

	err := a.server.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("workers did not stop: %w", ctx.Err()))
	}

	return errors.Join(err, a.close())
}

func (a *App) close() error {
	var err error
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}
