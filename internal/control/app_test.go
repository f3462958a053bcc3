package control

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/promptloop/internal/core/config"
	"github.com/vietddude/promptloop/internal/core/domain"
	redisclient "github.com/vietddude/promptloop/internal/infra/redis"
	"github.com/vietddude/promptloop/internal/infra/storage/sqlstore"
	"github.com/vietddude/promptloop/internal/validation"
)

func testConfig(t *testing.T, driver, url string) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte("workers:\n  count: 2\n"))
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Database = sqlstore.Config{Driver: driver, URL: url}
	cfg.Policy.InitialDelay = time.Millisecond
	cfg.Policy.MaxDelay = 10 * time.Millisecond
	return cfg
}

func TestApp_RunsTasksEndToEnd(t *testing.T) {
	for _, tc := range []struct {
		name, driver, url string
	}{
		{name: "memory", driver: DriverMemory},
		{name: "sqlite", driver: sqlstore.DriverSQLite, url: t.TempDir() + "/app.db"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			app, err := New(ctx, testConfig(t, tc.driver, tc.url))
			require.NoError(t, err)
			require.NoError(t, app.Start(ctx))

			id, err := app.Manager().Submit(ctx, domain.Request{
				Transcript: domain.Transcript{{Role: domain.RoleUser, Content: "hello"}},
				Model:      "anything",
				Strategies: []string{"non_empty"},
			}, domain.DefaultRetryPolicy())
			require.NoError(t, err)

			got, err := app.Manager().Wait(ctx, id, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskCompleted, got.Status)
			assert.Equal(t, "hello", got.Result)
			assert.Len(t, got.Attempts, 1)

			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			require.NoError(t, app.Stop(stopCtx))
		})
	}
}

func TestApp_StartWithBacklogLargerThanQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, sqlstore.DriverSQLite, t.TempDir()+"/backlog.db")
	cfg.Workers.QueueSize = 2

	store, err := OpenStore(ctx, cfg.Database)
	require.NoError(t, err)
	now := time.Now()
	ids := make([]string, 0, 5)
	for i := range 5 {
		id := fmt.Sprintf("pending-%d", i)
		require.NoError(t, store.Repo.Create(ctx, &domain.Task{
			ID:     id,
			Status: domain.TaskPending,
			Request: domain.Request{
				Transcript: domain.Transcript{{Role: domain.RoleUser, Content: "hello"}},
				Model:      "anything",
				Strategies: []string{"non_empty"},
			},
			Policy:    cfg.Policy,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		}))
		ids = append(ids, id)
	}
	require.NoError(t, store.Close())

	app, err := New(ctx, cfg)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- app.Start(ctx) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start blocked on a backlog larger than the queue")
	}

	for _, id := range ids {
		got, err := app.Manager().Wait(ctx, id, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskCompleted, got.Status)
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, app.Stop(stopCtx))
}

func TestNew_RejectsMemoryStoreWithRedis(t *testing.T) {
	cfg := testConfig(t, DriverMemory, "")
	cfg.Redis = redisclient.Config{URL: "redis://localhost:6379/0"}

	_, err := New(context.Background(), cfg)
	require.ErrorContains(t, err, "memory storage")
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry([]validation.Definition{
		{Name: "short", Type: validation.TypeMaxLength, Params: map[string]any{"max": 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"non_empty", "short"}, registry.Names())

	_, err = NewRegistry([]validation.Definition{{Name: "x", Type: "bogus"}})
	require.Error(t, err)
}

func TestNewRouter_DefaultsToEcho(t *testing.T) {
	router, err := NewRouter(nil)
	require.NoError(t, err)

	transport, err := router.Resolve("any-model")
	require.NoError(t, err)

	out, err := transport.Invoke(context.Background(), domain.Transcript{{Role: domain.RoleUser, Content: "ping"}}, "any-model")
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
}
