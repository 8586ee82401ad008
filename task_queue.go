package taskwire

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("task queue is closed")

// taskQueue is an unbounded FIFO. Push never blocks; Pop blocks until an
// item is available, the queue is closed or the context is done.
type taskQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newTaskQueue[T any]() *taskQueue[T] {
	return &taskQueue[T]{notify: make(chan struct{}, 1)}
}

// signal must be called with mu held so it never races with Close.
func (q *taskQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends item. It fails only after Close.
func (q *taskQueue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.items = append(q.items, item)
	q.signal()
	q.mu.Unlock()
	return nil
}

// Pop removes the oldest item.
func (q *taskQueue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, errQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *taskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued items and wakes blocked Pop calls.
func (q *taskQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	close(q.notify)
	q.mu.Unlock()
}
