// Package queue provides the blocking, abortable FIFO used by worker loops.
package queue

import (
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// ErrAborted is returned by Pop and Push once the queue was aborted.
var ErrAborted = errors.New("queue aborted")

// Queue is an unbounded FIFO. Pop blocks until an item arrives or Abort is
// called; there are no timeouts.
type Queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *linkedlistqueue.Queue
	aborted bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{items: linkedlistqueue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. Items pushed after Abort are dropped.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return ErrAborted
	}
	q.items.Enqueue(item)
	q.cond.Signal()
	return nil
}

// Pop removes the oldest item, blocking while the queue is empty.
func (q *Queue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Empty() && !q.aborted {
		q.cond.Wait()
	}
	var zero T
	if q.aborted {
		return zero, ErrAborted
	}
	v, _ := q.items.Dequeue()
	return v.(T), nil
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.aborted || q.items.Empty() {
		return zero, false
	}
	v, _ := q.items.Dequeue()
	return v.(T), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

// Abort wakes every blocked Pop with ErrAborted and discards pending items.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.items.Clear()
	q.cond.Broadcast()
}

// Reset makes an aborted queue usable again.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = false
	q.items.Clear()
}

// Aborted reports whether Abort was called since the last Reset.
func (q *Queue[T]) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}
