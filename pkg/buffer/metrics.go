package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics aggregates activity of every buffer created with WithMetrics(m).
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	writes prometheus.Counter
	drops  prometheus.Counter
	queued prometheus.Gauge
}

// NewMetrics creates and registers buffer metrics labelled with component.
func NewMetrics(registry *metric.MetricsRegistry, component string) (*Metrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dserv",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of items enqueued",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dserv",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dserv",
			Subsystem:   "buffer",
			Name:        "queued",
			ConstLabels: labels,
			Help:        "Items currently queued across all buffers",
		}),
	}

	if err := registry.RegisterCounter(component, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "buffer_queued", m.queued); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordWrite() {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.queued.Inc()
}

func (m *Metrics) recordDequeue() {
	if m == nil {
		return
	}
	m.queued.Dec()
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}
