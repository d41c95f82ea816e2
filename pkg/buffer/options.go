package buffer

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	dropCallback DropCallback[T]
	metrics      *Metrics
}

// WithMetrics reports buffer activity to a shared set of Prometheus
// collectors. A nil Metrics is ignored.
func WithMetrics[T any](m *Metrics) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.metrics = m
	}
}

// WithDropCallback sets a callback function that is called when items are dropped.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
