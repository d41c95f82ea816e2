// Package mirror republishes committed datapoints to NATS.
//
// The mirror is an ordinary subscriber of the distribution engine, so a
// slow or disconnected NATS server costs the broker nothing beyond the
// mirror's own bounded queue. Datapoints are published as JSON on
// "<prefix>.<name>" where the slashes of the datapoint name become subject
// token separators. Publishing runs on a worker pool keyed by datapoint
// name, which keeps updates of one name in commit order.
package mirror

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/health"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/pkg/worker"
	"github.com/c360/dserv/wire"
)

// Publisher is the subset of natsclient.Client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config controls what is mirrored and how.
type Config struct {
	Prefix    string   `json:"prefix" yaml:"prefix"`
	Patterns  []string `json:"patterns" yaml:"patterns"`
	Workers   int      `json:"workers" yaml:"workers"`
	QueueSize int      `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig mirrors every datapoint under "dserv".
func DefaultConfig() Config {
	return Config{
		Prefix:    "dserv",
		Patterns:  []string{"*"},
		Workers:   4,
		QueueSize: 1024,
	}
}

// Validate checks the mirror settings.
func (c Config) Validate() error {
	if c.Prefix == "" || strings.ContainsAny(c.Prefix, " \t*>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("check subject prefix %q", c.Prefix))
	}
	if len(c.Patterns) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check patterns")
	}
	for _, p := range c.Patterns {
		if p == "" {
			return errors.WrapInvalid(errors.ErrInvalidPattern, "Config", "Validate", "check patterns")
		}
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check pool limits")
	}
	return nil
}

// Deps holds the mirror's runtime dependencies.
type Deps struct {
	Broker          *broker.Broker
	Publisher       Publisher
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Mirror forwards matching datapoints to a Publisher.
type Mirror struct {
	cfg     Config
	broker  *broker.Broker
	pub     Publisher
	pool    *worker.Pool[*datapoint.Datapoint]
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	sub     *dispatch.Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	lastErr atomic.Pointer[string]
}

// New creates a mirror. Nothing is subscribed until Start.
func New(cfg Config, deps Deps) (*Mirror, error) {
	if deps.Broker == nil || deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Mirror", "New", "check dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Mirror", "New", "register metrics")
	}

	m := &Mirror{
		cfg:     cfg,
		broker:  deps.Broker,
		pub:     deps.Publisher,
		metrics: metrics,
		logger:  logger.With("component", "mirror", "prefix", cfg.Prefix),
	}

	var opts []worker.Option[*datapoint.Datapoint]
	if deps.MetricsRegistry != nil {
		opts = append(opts, worker.WithMetricsRegistry[*datapoint.Datapoint](deps.MetricsRegistry, "dserv_mirror_pool"))
	}
	m.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, m.publish, opts...)
	return m, nil
}

// Subject maps a datapoint name to its NATS subject. Slashes separate
// tokens; characters NATS reserves become underscores and empty tokens
// become "_".
func Subject(prefix, name string) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + 1 + len(name))
	sb.WriteString(prefix)

	for _, tok := range strings.Split(name, "/") {
		sb.WriteByte('.')
		if tok == "" {
			sb.WriteByte('_')
			continue
		}
		for i := 0; i < len(tok); i++ {
			switch c := tok[i]; c {
			case '.', '*', '>', ' ', '\t', '\r', '\n':
				sb.WriteByte('_')
			default:
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}

// Start subscribes to the broker and begins publishing.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Mirror", "Start", "check state")
	}

	sub := m.broker.Subscribe(m.cfg.QueueSize)
	for _, p := range m.cfg.Patterns {
		if err := sub.Subscribe(p, 1); err != nil {
			sub.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := m.pool.Start(ctx); err != nil {
		cancel()
		sub.Close()
		return errors.WrapFatal(err, "Mirror", "Start", "start worker pool")
	}

	m.sub = sub
	m.cancel = cancel
	m.running.Store(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.forward(ctx, sub)
	}()

	m.logger.Info("Mirror started", "patterns", m.cfg.Patterns)
	return nil
}

// forward moves notifications from the subscriber queue to the pool.
func (m *Mirror) forward(ctx context.Context, sub *dispatch.Subscriber) {
	for {
		dp, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := m.pool.SubmitKeyed(dp.Name, dp); err != nil {
			m.metrics.recordDropped()
			if !stderrors.Is(err, worker.ErrQueueFull) {
				return
			}
		}
	}
}

func (m *Mirror) publish(ctx context.Context, dp *datapoint.Datapoint) error {
	data, _, err := wire.AppendNotification(nil, dp, wire.FormatJSON)
	if err != nil {
		m.metrics.recordFailed()
		return err
	}
	// The JSON notification ends in a newline for stream consumers.
	data = data[:len(data)-1]

	subject := Subject(m.cfg.Prefix, dp.Name)
	if err := m.pub.Publish(ctx, subject, data); err != nil {
		m.metrics.recordFailed()
		msg := err.Error()
		m.lastErr.Store(&msg)
		m.logger.Debug("Mirror publish failed", "subject", subject, "error", err)
		return err
	}
	m.metrics.recordPublished()
	return nil
}

// Stop unsubscribes and waits up to timeout for queued datapoints to be
// published.
func (m *Mirror) Stop(timeout time.Duration) error {
	if !m.running.Swap(false) {
		return nil
	}

	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	sub.Close()
	m.wg.Wait()

	err := m.pool.Stop(timeout)
	m.cancel()
	if err != nil {
		return errors.WrapTransient(err, "Mirror", "Stop", "drain worker pool")
	}
	m.logger.Info("Mirror stopped")
	return nil
}

// Stats returns the worker pool counters.
func (m *Mirror) Stats() worker.PoolStats {
	return m.pool.Stats()
}

// Health reports the mirror as degraded once publishing has failed.
func (m *Mirror) Health() health.Status {
	if !m.running.Load() {
		return health.NewUnhealthy("mirror", "not running")
	}
	stats := m.pool.Stats()
	if stats.Failed > 0 || stats.Dropped > 0 {
		msg := fmt.Sprintf("%d failed, %d dropped", stats.Failed, stats.Dropped)
		if last := m.lastErr.Load(); last != nil {
			msg += ": " + *last
		}
		return health.NewDegraded("mirror", msg)
	}
	return health.NewHealthy("mirror", "publishing")
}
