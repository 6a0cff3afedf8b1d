package order

import (
	"context"
	"errors"

	"signal-trader/internal/signal"
)

// ErrQueueFull is returned by TryEnqueue when the buffer is at capacity.
var ErrQueueFull = errors.New("signal queue is full")

// Queue buffers parsed signals ahead of the single lifecycle worker.
type Queue struct {
	ch chan signal.Signal
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan signal.Signal, size)}
}

// Enqueue blocks until there is room or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, s signal.Signal) error {
	select {
	case q.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds s without blocking.
func (q *Queue) TryEnqueue(s signal.Signal) error {
	select {
	case q.ch <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// Drain consumes signals with a handler until ctx is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(signal.Signal)) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-q.ch:
			handler(s)
		}
	}
}
