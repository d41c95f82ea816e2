// Package buffer provides a generic, thread-safe bounded ring buffer that
// drops its oldest item on overflow.
//
// Writers never block: when the buffer is full the oldest queued item is
// discarded and the drop is recorded in the buffer's Statistics. Readers can poll with Read or park on
// Wait until an item arrives.
package buffer

import (
	"context"
)

// Buffer represents a bounded queue of items of type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer, discarding the oldest item when full.
	// Returns an error only if the buffer is closed.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Wait blocks until the buffer holds at least one item, the buffer is
	// closed, or ctx is done.
	Wait(ctx context.Context) error

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close releases waiters; later writes fail and queued items are discarded.
	Close() error
}

// DropCallback is called, outside the buffer lock, with each discarded item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity.
// Capacities below one are raised to one.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
