package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// popTimeout bounds each BRPOP so Dequeue notices context cancellation.
const popTimeout = 2 * time.Second

// Queue is a FIFO of task ids shared by every worker process on the node.
type Queue struct {
	client *Client
}

// NewQueue creates a task-id queue on client.
func NewQueue(client *Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes a task id.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.rdb.LPush(ctx, q.client.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("lpush failed: %w", err)
	}
	return nil
}

// Dequeue blocks until a task id is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		res, err := q.client.rdb.BRPop(ctx, popTimeout, q.client.queueKey()).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("brpop failed: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

// Len returns the number of queued ids.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.LLen(ctx, q.client.queueKey()).Result()
}
