// Package broker is the library API of dserv: it owns the datapoint store,
// the event encoder and the distribution engine and wires them so that
// every committed update is offered to subscribers.
package broker

import (
	"log/slog"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/pkg/buffer"
	"github.com/c360/dserv/pkg/timestamp"
	"github.com/c360/dserv/store"
)

// Config holds broker tuning.
type Config struct {
	Shards        int
	QueueSize     int
	EventName     string
	KeysDatapoint bool
}

// DefaultConfig returns the stock broker configuration.
func DefaultConfig() Config {
	return Config{
		Shards:        store.DefaultShards,
		QueueSize:     dispatch.DefaultQueueSize,
		EventName:     event.DatapointName,
		KeysDatapoint: true,
	}
}

// Deps are the broker's injected collaborators. All fields are optional.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Clock           timestamp.Clock
}

// Broker is safe for concurrent use.
type Broker struct {
	store   *store.Store
	encoder *event.Encoder
	engine  *dispatch.Engine
	clock   timestamp.Clock
	metrics *Metrics
	logger  *slog.Logger
}

// New builds a broker with an empty store and the default event name table.
func New(cfg Config, deps Deps) (*Broker, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = timestamp.System
	}
	if cfg.EventName == "" {
		cfg.EventName = event.DatapointName
	}

	b := &Broker{clock: clock, logger: logger.With("component", "broker")}

	engineOpts := []dispatch.Option{dispatch.WithQueueSize(cfg.QueueSize), dispatch.WithLogger(logger)}
	if deps.MetricsRegistry != nil {
		m, err := NewMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapFatal(err, "Broker", "New", "register broker metrics")
		}
		b.metrics = m

		dm, err := dispatch.NewMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapFatal(err, "Broker", "New", "register dispatch metrics")
		}
		bm, err := buffer.NewMetrics(deps.MetricsRegistry, "subscribers")
		if err != nil {
			return nil, errors.WrapFatal(err, "Broker", "New", "register queue metrics")
		}
		engineOpts = append(engineOpts, dispatch.WithMetrics(dm), dispatch.WithBufferMetrics(bm))
	}

	b.engine = dispatch.NewEngine(engineOpts...)
	b.store = store.New(
		store.WithShards(cfg.Shards),
		store.WithKeysDatapoint(cfg.KeysDatapoint),
		store.WithCommitHook(b.engine.Publish),
		store.WithClock(clock),
		store.WithLogger(logger),
	)
	b.encoder = event.NewEncoder(event.NewNameTable(),
		event.WithDatapointName(cfg.EventName),
		event.WithClock(clock),
		event.WithLogger(logger),
	)
	return b, nil
}

// Set commits dp and offers it to subscribers. The broker keeps its own
// copy of the payload.
func (b *Broker) Set(dp *datapoint.Datapoint) error {
	return b.commit(dp.Clone())
}

// SetValue commits a datapoint built from its parts.
func (b *Broker) SetValue(name string, dtype datapoint.DataType, ts uint64, data []byte) error {
	return b.commit(datapoint.New(name, dtype, ts, data))
}

func (b *Broker) commit(dp *datapoint.Datapoint) error {
	if err := b.store.Set(dp); err != nil {
		return err
	}
	b.metrics.recordSet()
	b.metrics.setKeys(b.store.Len())
	return nil
}

// Stamp returns ts, or the current broker time when ts is zero.
func (b *Broker) Stamp(ts uint64) uint64 {
	return timestamp.OrNow(ts, b.clock)
}

// Now returns the broker clock reading.
func (b *Broker) Now() uint64 {
	return b.clock()
}

// Get returns a copy of the current value of name, or false when absent.
func (b *Broker) Get(name string) (*datapoint.Datapoint, bool) {
	dp, ok := b.store.Get(name)
	b.metrics.recordGet(ok)
	return dp, ok
}

// Touch re-offers the current value of name to subscribers.
func (b *Broker) Touch(name string) bool {
	return b.store.Touch(name)
}

// Clear deletes name.
func (b *Broker) Clear(name string) bool {
	ok := b.store.Delete(name)
	b.metrics.setKeys(b.store.Len())
	return ok
}

// Keys returns every stored name, sorted.
func (b *Broker) Keys() []string {
	return b.store.Keys()
}

// PutEvent encodes one event and commits the resulting datapoint. Event
// data over 256 bytes is rejected before the name table or store change.
func (b *Broker) PutEvent(typ, subtype uint8, ts uint64, data []byte) (*datapoint.Datapoint, error) {
	rec, err := event.Decode(typ, subtype, ts, data)
	if err != nil {
		b.metrics.recordEventRejected()
		return nil, err
	}

	dp := b.encoder.EncodeRecord(rec)
	if err := b.commit(dp); err != nil {
		return nil, err
	}
	b.metrics.recordEvent(rec.Kind != event.KindNormal)
	return dp.Clone(), nil
}

// Subscribe registers a subscriber. queueSize <= 0 selects the configured
// queue size.
func (b *Broker) Subscribe(queueSize int) *dispatch.Subscriber {
	return b.engine.NewSubscriber(queueSize)
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	return b.engine.Len()
}

// Events returns the event encoder.
func (b *Broker) Events() *event.Encoder {
	return b.encoder
}

// Close closes every subscriber. The store stays readable.
func (b *Broker) Close() {
	b.engine.Close()
	b.logger.Info("Broker closed")
}
