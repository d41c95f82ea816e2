package mirror

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics counts mirror traffic. A nil *Metrics records nothing.
type Metrics struct {
	published prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "mirror",
			Name:      "published_total",
			Help:      "Datapoints published to NATS",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "mirror",
			Name:      "failed_total",
			Help:      "Datapoints that could not be published",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "mirror",
			Name:      "dropped_total",
			Help:      "Datapoints discarded because the publish queue was full",
		}),
	}
	if err := registry.RegisterCounter("mirror", "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("mirror", "failed", m.failed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("mirror", "dropped", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordPublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) recordFailed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *Metrics) recordDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
