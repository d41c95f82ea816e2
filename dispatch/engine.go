// Package dispatch fans committed datapoints out to subscribers.
//
// Publish never blocks: each subscriber owns a bounded drop-oldest queue
// and a consumer drains it at its own pace. Publish is called by the store
// while the committed name's shard lock is held, so notifications for one
// name reach every queue in commit order.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/pkg/buffer"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 1024

// Engine holds the registered subscribers.
type Engine struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	queueSize  int
	metrics    *Metrics
	bufMetrics *buffer.Metrics
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueueSize sets the default per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithBufferMetrics attaches metrics shared by every subscriber queue.
func WithBufferMetrics(m *buffer.Metrics) Option {
	return func(e *Engine) {
		e.bufMetrics = m
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine with no subscribers.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		subscribers: make(map[string]*Subscriber),
		queueSize:   DefaultQueueSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "dispatch")
	return e
}

// NewSubscriber registers a subscriber with no filters. queueSize <= 0
// selects the engine default.
func (e *Engine) NewSubscriber(queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = e.queueSize
	}
	s := newSubscriber(e, queueSize, e.bufMetrics)

	e.mu.Lock()
	e.subscribers[s.id] = s
	n := len(e.subscribers)
	e.mu.Unlock()

	e.metrics.setSubscribers(n)
	e.logger.Debug("Subscriber registered", "subscriber", s.id, "queue_size", queueSize)
	return s
}

func (e *Engine) remove(s *Subscriber) {
	e.mu.Lock()
	_, ok := e.subscribers[s.id]
	delete(e.subscribers, s.id)
	n := len(e.subscribers)
	e.mu.Unlock()

	if ok {
		e.metrics.setSubscribers(n)
		e.logger.Debug("Subscriber removed", "subscriber", s.id, "dropped", s.Dropped())
	}
}

// Publish offers dp to every subscriber whose filters match it. dp is
// shared between queues and must not be modified.
func (e *Engine) Publish(dp *datapoint.Datapoint) {
	e.metrics.recordPublish()

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, s := range e.subscribers {
		if !s.matches(dp) {
			continue
		}
		if err := s.queue.Write(dp); err == nil {
			e.metrics.recordEnqueue()
		}
	}
}

// Len returns the number of registered subscribers.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// Close closes every subscriber.
func (e *Engine) Close() {
	e.mu.RLock()
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}
