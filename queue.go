package audit

import (
	"sync"

	"github.com/eapache/queue"
)

// EvictingQueue is a bounded FIFO that never rejects an insert: when it is
// full, the oldest items are evicted to make room. It is safe for
// concurrent use.
type EvictingQueue[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
}

// NewEvictingQueue returns an empty queue holding at most capacity items.
// A capacity below 1 is treated as 1.
func NewEvictingQueue[T any](capacity int) *EvictingQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &EvictingQueue[T]{items: queue.New(), capacity: capacity}
}

// Offer appends item at the tail and returns whatever had to be evicted
// from the head to fit it, oldest first.
func (q *EvictingQueue[T]) Offer(item T) (evicted []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() >= q.capacity {
		evicted = append(evicted, q.items.Remove().(T))
	}
	q.items.Add(item)
	return evicted
}

// Poll removes and returns the head. The boolean is false when the queue
// is empty.
func (q *EvictingQueue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Remove().(T), true
}

// Peek returns the head without removing it.
func (q *EvictingQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Peek().(T), true
}

// Len returns the number of queued items.
func (q *EvictingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// IsEmpty reports whether the queue holds no items.
func (q *EvictingQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the fixed capacity.
func (q *EvictingQueue[T]) Cap() int {
	return q.capacity
}

// snapshot copies the queued items, head first.
func (q *EvictingQueue[T]) snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.items.Length())
	for i := range out {
		out[i] = q.items.Get(i).(T)
	}
	return out
}
