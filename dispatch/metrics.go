package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics tracks fan-out activity. A nil *Metrics records nothing.
type Metrics struct {
	published   prometheus.Counter
	enqueued    prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

// NewMetrics creates and registers distribution metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "dispatch",
			Name:      "published_total",
			Help:      "Committed datapoints offered to subscribers",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Notifications queued for subscribers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Notifications discarded because a subscriber queue was full",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dserv",
			Subsystem: "dispatch",
			Name:      "subscribers",
			Help:      "Registered subscribers",
		}),
	}

	if registry == nil {
		return m, nil
	}
	if err := registry.RegisterCounter("dispatch", "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "notifications", m.enqueued); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dispatch", "subscribers", m.subscribers); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordPublish() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) recordEnqueue() {
	if m != nil {
		m.enqueued.Inc()
	}
}

func (m *Metrics) recordDrop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}
