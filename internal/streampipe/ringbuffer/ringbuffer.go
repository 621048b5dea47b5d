// Package ringbuffer provides the fixed-capacity queue that sits between push-based producers and the
// pull-based drain of the aggregation cycle.
//
// A RingBuffer never grows: once it holds Capacity() items, every Write discards the logically oldest unread
// item. All operations are O(1) apart from Drain, which is O(n) in the number of buffered items.
//
// RingBuffer is not safe for concurrent use. Callers that write and read from different goroutines must
// serialise access themselves (the stream registry holds a per-stream mutex for this).
package ringbuffer

import "github.com/pkg/errors"

type RingBuffer[T any] struct {
	items []T
	// Index of the oldest unread item
	readPos int
	// Index the next write goes to
	writePos int
	count    int
}

func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.Errorf("ring buffer capacity must be greater than zero, got %d", capacity)
	}
	return &RingBuffer[T]{
		items: make([]T, capacity),
	}, nil
}

// Write appends item, overwriting the oldest unread item if the buffer is full.
// Returns true if an item was overwritten.
func (rb *RingBuffer[T]) Write(item T) bool {
	overwritten := false
	if rb.count == len(rb.items) {
		// Full: the slot we're about to write is the oldest item, so the read cursor moves on with us.
		rb.readPos = rb.next(rb.readPos)
		overwritten = true
	} else {
		rb.count++
	}
	rb.items[rb.writePos] = item
	rb.writePos = rb.next(rb.writePos)
	return overwritten
}

// Read removes and returns the oldest item. The second return value is false if the buffer is empty.
func (rb *RingBuffer[T]) Read() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	item := rb.items[rb.readPos]
	// Release the reference so the slot doesn't keep the item alive.
	rb.items[rb.readPos] = zero
	rb.readPos = rb.next(rb.readPos)
	rb.count--
	return item, true
}

// Peek returns the oldest item without removing it.
func (rb *RingBuffer[T]) Peek() (T, bool) {
	if rb.count == 0 {
		var zero T
		return zero, false
	}
	return rb.items[rb.readPos], true
}

// Drain removes every buffered item and returns them oldest first.
func (rb *RingBuffer[T]) Drain() []T {
	if rb.count == 0 {
		return nil
	}
	out := make([]T, 0, rb.count)
	for {
		item, ok := rb.Read()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// Reset discards all buffered items.
func (rb *RingBuffer[T]) Reset() {
	var zero T
	for i := range rb.items {
		rb.items[i] = zero
	}
	rb.readPos = 0
	rb.writePos = 0
	rb.count = 0
}

func (rb *RingBuffer[T]) Size() int {
	return rb.count
}

func (rb *RingBuffer[T]) Capacity() int {
	return len(rb.items)
}

func (rb *RingBuffer[T]) IsFull() bool {
	return rb.count == len(rb.items)
}

func (rb *RingBuffer[T]) IsEmpty() bool {
	return rb.count == 0
}

func (rb *RingBuffer[T]) next(pos int) int {
	pos++
	if pos == len(rb.items) {
		return 0
	}
	return pos
}
