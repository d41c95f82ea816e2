package buffer

import (
	"context"
	"sync"

	"github.com/c360/dserv/errors"
)

// circularBuffer is a thread-safe ring with a non-blocking writer side.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     *bufferOptions[T]

	// ready holds a token whenever the buffer may be non-empty
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	var (
		dropped T
		didDrop bool
	)

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrSubscriberClosed, "Buffer", "Write", "enqueue item")
	}

	if cb.size == cb.capacity {
		cb.stats.Drop()
		cb.opts.metrics.recordDrop()
		didDrop = true

		var zero T
		dropped = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
		cb.opts.metrics.recordDequeue()
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	cb.opts.metrics.recordWrite()
	cb.mu.Unlock()

	select {
	case cb.ready <- struct{}{}:
	default:
	}

	if didDrop && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	cb.opts.metrics.recordDequeue()

	if cb.size > 0 {
		select {
		case cb.ready <- struct{}{}:
		default:
		}
	}

	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	var zero T
	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.stats.Read()
		cb.opts.metrics.recordDequeue()
	}
	cb.size -= n
	cb.stats.UpdateSize(int64(cb.size))

	if cb.size > 0 {
		select {
		case cb.ready <- struct{}{}:
		default:
		}
	}

	return result
}

// Wait blocks until an item is available, the buffer closes, or ctx ends.
func (cb *circularBuffer[T]) Wait(ctx context.Context) error {
	for {
		cb.mu.Lock()
		size, closed := cb.size, cb.closed
		cb.mu.Unlock()

		if closed {
			return errors.ErrSubscriberClosed
		}
		if size > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cb.done:
			return errors.ErrSubscriberClosed
		case <-cb.ready:
		}
	}
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) clearLocked() {
	var zero T
	for i := 0; i < cb.size; i++ {
		cb.items[(cb.tail+i)%cb.capacity] = zero
		cb.opts.metrics.recordDequeue()
	}
	cb.size, cb.head, cb.tail = 0, 0, 0
	cb.stats.UpdateSize(0)
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close marks the buffer closed, discards queued items and wakes waiters.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.clearLocked()
	close(cb.done)
	return nil
}
