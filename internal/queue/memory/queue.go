// Package memory provides the in-process work queues that connect crawl stages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue is drained.
var ErrClosed = errors.New("queue closed")

// Queue is a multi-producer multi-consumer FIFO with context-aware operations.
// A capacity <= 0 makes the queue unbounded; otherwise Push blocks while the
// queue holds capacity items.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// notEmpty and notFull carry at most one pending wakeup each. Waiters
	// re-check state under mu, so a stale wakeup only costs a loop iteration.
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends an item, blocking on a full bounded queue until space frees up,
// the queue closes, or the context ends. A done context is reported before the
// item is added, even when there is room.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("push canceled: %w", err)
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			roomLeft := q.capacity > 0 && len(q.items) < q.capacity
			q.mu.Unlock()
			wake(q.notEmpty)
			if roomLeft {
				wake(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("push canceled: %w", ctx.Err())
		case <-q.notFull:
		case <-q.done:
		}
	}
}

// Pop removes the oldest item, blocking until one is available. Items pushed
// before Close are still delivered; once a closed queue is empty Pop returns ErrClosed.
// A done context is reported without removing anything.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("pop canceled: %w", err)
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				wake(q.notEmpty)
			}
			wake(q.notFull)
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-q.notEmpty:
		case <-q.done:
		}
	}
}

// Len reports the number of queued items. The value is a snapshot.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close marks the queue as receiving no further writes and wakes all waiters.
// It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
