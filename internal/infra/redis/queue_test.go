package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestClient connects to REDIS_URL, skipping when it is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url, KeyPrefix: fmt.Sprintf("promptloop-test-%d", time.Now().UnixNano())})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.rdb.Del(context.Background(), c.queueKey()).Err()
		_ = c.Close()
	})
	return c
}

func TestQueue_FIFO(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	q := NewQueue(newTestClient(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Lock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "prune"))
	ok, err = c.AcquireLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.ReleaseLock(ctx, "prune"))
}

func TestClient_ReleaseKeepsLockTakenAfterExpiry(t *testing.T) {
	first := newTestClient(t)
	ctx := context.Background()

	second, err := NewClient(Config{URL: os.Getenv("REDIS_URL"), KeyPrefix: first.prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = second.ReleaseLock(context.Background(), "prune")
		_ = second.Close()
	})

	ok, err := first.AcquireLock(ctx, "prune", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := second.AcquireLock(ctx, "prune", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	// The first holder's lease is gone; releasing must not free the new holder's lock.
	require.NoError(t, first.ReleaseLock(ctx, "prune"))
	ok, err = first.AcquireLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}
