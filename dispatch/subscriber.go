package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/pkg/buffer"
	"github.com/c360/dserv/wire"
)

type patternFilter struct {
	glob  bool
	every uint64
	seen  uint64
}

// admit counts a match and reports whether this one is delivered: the
// first match and every n-th after it.
func (f *patternFilter) admit() bool {
	ok := f.seen%f.every == 0
	f.seen++
	return ok
}

// Subscriber is one consumer of committed datapoints with its own bounded
// queue. On overflow the oldest queued notification is discarded.
type Subscriber struct {
	id     string
	engine *Engine
	queue  buffer.Buffer[*datapoint.Datapoint]
	format atomic.Int32

	mu       sync.Mutex
	patterns map[string]*patternFilter
	groups   map[int]event.Group
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string {
	return s.id
}

// Format returns the negotiated notification format. The engine queues
// datapoints; the consumer encodes them.
func (s *Subscriber) Format() wire.Format {
	return wire.Format(s.format.Load())
}

// SetFormat changes the notification format.
func (s *Subscriber) SetFormat(f wire.Format) {
	s.format.Store(int32(f))
}

// Subscribe adds a name filter. Patterns without wildcards match one name
// exactly. every > 1 delivers only the first and then every n-th matching
// update. Subscribing again to the same pattern replaces its rate.
func (s *Subscriber) Subscribe(pattern string, every int) error {
	if pattern == "" {
		return errors.WrapInvalid(errors.ErrInvalidPattern, "Subscriber", "Subscribe", "validate pattern")
	}
	if every < 1 {
		every = 1
	}

	s.mu.Lock()
	s.patterns[pattern] = &patternFilter{glob: HasWildcard(pattern), every: uint64(every)}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes a name filter and reports whether it existed.
func (s *Subscriber) Unsubscribe(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.patterns[pattern]
	delete(s.patterns, pattern)
	return ok
}

// SubscribeGroup adds an event-group filter. Group 0 means no automatic
// registration and is accepted without effect.
func (s *Subscriber) SubscribeGroup(id int) error {
	if id == event.GroupNone {
		return nil
	}
	g, err := event.LookupGroup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.groups[id] = g
	s.mu.Unlock()
	return nil
}

// UnsubscribeGroup removes an event-group filter and reports whether it
// existed.
func (s *Subscriber) UnsubscribeGroup(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[id]
	delete(s.groups, id)
	return ok
}

// Filter is an active name filter and its delivery rate.
type Filter struct {
	Pattern string
	Every   int
}

// Filters returns the active name filters sorted by pattern.
func (s *Subscriber) Filters() []Filter {
	s.mu.Lock()
	out := make([]Filter, 0, len(s.patterns))
	for p, f := range s.patterns {
		out = append(out, Filter{Pattern: p, Every: int(f.every)})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Groups returns the active event-group ids, sorted.
func (s *Subscriber) Groups() []int {
	s.mu.Lock()
	out := make([]int, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	s.mu.Unlock()

	sort.Ints(out)
	return out
}

// matches evaluates every filter. Each matching name filter advances its
// own every-N count; the datapoint is delivered if any filter admits it.
func (s *Subscriber) matches(dp *datapoint.Datapoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	deliver := false
	for pattern, f := range s.patterns {
		var hit bool
		if f.glob {
			hit = Match(pattern, dp.Name)
		} else {
			hit = pattern == dp.Name
		}
		if hit && f.admit() {
			deliver = true
		}
	}
	if dp.Type == datapoint.Evt {
		for _, g := range s.groups {
			if g.Contains(dp.Event.Type) {
				deliver = true
			}
		}
	}
	return deliver
}

// Next blocks until a notification is queued and returns it. It returns
// ErrSubscriberClosed once the subscriber is closed, or the context error.
func (s *Subscriber) Next(ctx context.Context) (*datapoint.Datapoint, error) {
	for {
		if err := s.queue.Wait(ctx); err != nil {
			return nil, err
		}
		if dp, ok := s.queue.Read(); ok {
			return dp, nil
		}
	}
}

// Drain returns up to max queued notifications without blocking.
func (s *Subscriber) Drain(max int) []*datapoint.Datapoint {
	return s.queue.ReadBatch(max)
}

// Pending returns the number of queued notifications.
func (s *Subscriber) Pending() int {
	return s.queue.Size()
}

// Dropped returns how many notifications were discarded on overflow.
func (s *Subscriber) Dropped() int64 {
	return s.queue.Stats().Drops()
}

// Close removes every filter, deregisters the subscriber and releases its
// queue. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.engine.remove(s)
	_ = s.queue.Close()
}

func newSubscriber(e *Engine, queueSize int, bufMetrics *buffer.Metrics) *Subscriber {
	s := &Subscriber{
		id:       uuid.New().String(),
		engine:   e,
		patterns: make(map[string]*patternFilter),
		groups:   make(map[int]event.Group),
	}
	s.queue = buffer.NewCircularBuffer[*datapoint.Datapoint](queueSize,
		buffer.WithMetrics[*datapoint.Datapoint](bufMetrics),
		buffer.WithDropCallback[*datapoint.Datapoint](func(*datapoint.Datapoint) {
			e.metrics.recordDrop()
		}),
	)
	return s
}
