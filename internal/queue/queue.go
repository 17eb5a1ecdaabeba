// Package queue provides the unbounded event queues that fan inbound
// signaling and data-channel events out to consumers. Producers never
// block on consumer readiness; consumers wait with an explicit timeout.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a Get deadline expires before an item
// arrives. It is distinct from protocol errors so callers can tell a
// slow peer from a broken one.
var ErrTimeout = errors.New("queue: wait timed out")

// ErrClosed is returned when waiting on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Queue is an unbounded FIFO of T. The zero value is not usable; use New.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Put appends an item. It never blocks.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get removes and returns the oldest item, waiting up to timeout.
// Returns ErrTimeout on expiry and ErrClosed after Close.
func (q *Queue[T]) Get(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.GetContext(ctx)
}

// GetContext removes and returns the oldest item, waiting until the
// context is done. A deadline expiry maps to ErrTimeout.
func (q *Queue[T]) GetContext(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, ErrTimeout
			}
			return zero, ctx.Err()
		case <-q.done:
			// Re-check: items may have been queued before Close.
		case <-q.wake:
		}
	}
}

// TryGet removes and returns the oldest item without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters with ErrClosed. Items already queued are
// still delivered before ErrClosed is reported.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
