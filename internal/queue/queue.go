// Package queue provides a small generic FIFO used to buffer run records
// between acquisition completion and collection by the scheduler.
package queue

// FIFO is a slice-backed first-in first-out queue.
// It is not safe for concurrent use; callers hold their own lock.
type FIFO[T any] struct {
	items []T
}

// NewFIFO creates a FIFO with capacity preallocated for prealloc items.
func NewFIFO[T any](prealloc int) *FIFO[T] {
	return &FIFO[T]{items: make([]T, 0, prealloc)}
}

// Push adds an item to the tail of the queue.
func (q *FIFO[T]) Push(item T) {
	q.items = append(q.items, item)
}

// Pop removes and returns the item at the head of the queue.
// The second return value is false if the queue is empty.
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return item, true
}

// Drain removes and returns all queued items in FIFO order.
func (q *FIFO[T]) Drain() []T {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]T, len(q.items))
	copy(out, q.items)
	q.Reset()

	return out
}

// Peek returns the item at the head of the queue without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	return q.items[0], true
}

// Reset empties the queue, keeping the underlying array for reuse.
func (q *FIFO[T]) Reset() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
}

// Len returns the number of items in the queue.
func (q *FIFO[T]) Len() int {
	return len(q.items)
}

// IsEmpty returns true if the queue holds no items.
func (q *FIFO[T]) IsEmpty() bool {
	return len(q.items) == 0
}
