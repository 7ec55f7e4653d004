// Package queue implements a bounded FIFO with blocking, timed and non-blocking push and pop.
package queue

import (
	"sync"
	"time"

	"github.com/viam-modules/video-analytics/errcode"
)

// Queue is a thread-safe bounded FIFO. Timeouts are in milliseconds:
// negative blocks until the operation can proceed or the queue is closed,
// zero never blocks and a positive value waits at most that long.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	capacity int
	closed   bool
}

// New returns an open queue. A capacity of 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// SetCapacity changes the bound. Items already queued beyond a smaller bound are kept.
func (q *Queue[T]) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
	q.notFull.Broadcast()
}

// Capacity returns the current bound.
func (q *Queue[T]) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsFull reports whether a Push with timeout 0 would fail with QueueFull.
func (q *Queue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fullLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) fullLocked() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

// Push appends item. It fails with errcode.ErrClosed once the queue is closed.
func (q *Queue[T]) Push(item T, timeout int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.waitLocked(q.notFull, timeout, q.fullLocked, errcode.ErrQueueFull); err != nil {
		return err
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest item. Items queued before Close are still handed out;
// a closed and empty queue returns errcode.ErrClosed.
func (q *Queue[T]) Pop(timeout int) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	empty := func() bool { return len(q.items) == 0 }
	if err := q.waitLocked(q.notEmpty, timeout, empty, errcode.ErrQueueEmpty); err != nil {
		return zero, err
	}
	return q.popLocked(), nil
}

// TryPopOldest drops and returns the oldest item without waiting, even after Close.
func (q *Queue[T]) TryPopOldest() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notFull.Signal()
	return item
}

// waitLocked blocks on cond while blocked() holds. q.mu must be held.
func (q *Queue[T]) waitLocked(cond *sync.Cond, timeout int, blocked func() bool, immediate error) error {
	if q.closed {
		if cond == q.notFull || blocked() {
			return errcode.ErrClosed
		}
		return nil
	}
	if !blocked() {
		return nil
	}
	if timeout == 0 {
		return immediate
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(time.Duration(timeout) * time.Millisecond)
		// sync.Cond has no timed wait; a timer broadcast wakes this waiter to re-check the deadline.
		t := time.AfterFunc(time.Duration(timeout)*time.Millisecond, func() {
			q.mu.Lock()
			cond.Broadcast()
			q.mu.Unlock()
		})
		defer t.Stop()
	}

	for blocked() {
		if q.closed {
			return errcode.ErrClosed
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return errcode.ErrTimeout
		}
		cond.Wait()
	}
	if q.closed && cond == q.notFull {
		return errcode.ErrClosed
	}
	return nil
}

// Close wakes every waiter. Subsequent pushes fail; pops drain what is left.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Drain removes and returns all queued items.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.notFull.Broadcast()
	return out
}
