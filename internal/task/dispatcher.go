package task

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by a dispatcher that cannot take more ids right
// now. The task stays pending in the store and the pool sweep picks it up.
var ErrQueueFull = errors.New("task: dispatch queue full")

// Dispatcher hands task ids from submitters to workers. Delivery is
// at-least-once; the claim in the store makes duplicates harmless.
type Dispatcher interface {
	Enqueue(ctx context.Context, id string) error
	Dequeue(ctx context.Context) (string, error)
}

// ChannelDispatcher is an in-process Dispatcher backed by a buffered channel.
type ChannelDispatcher struct {
	ch chan string
}

// NewChannelDispatcher creates a dispatcher buffering up to size ids.
func NewChannelDispatcher(size int) *ChannelDispatcher {
	if size < 1 {
		size = 1
	}
	return &ChannelDispatcher{ch: make(chan string, size)}
}

// Enqueue never blocks. It returns ErrQueueFull while the buffer is full.
func (d *ChannelDispatcher) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *ChannelDispatcher) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-d.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of buffered ids.
func (d *ChannelDispatcher) Len() int {
	return len(d.ch)
}
