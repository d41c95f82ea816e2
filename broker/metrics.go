package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics counts store and event activity. A nil *Metrics records nothing.
type Metrics struct {
	sets           prometheus.Counter
	gets           *prometheus.CounterVec
	eventsEncoded  prometheus.Counter
	eventsRejected prometheus.Counter
	redefinitions  prometheus.Counter
	keys           prometheus.Gauge
}

// NewMetrics creates and registers broker metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "store",
			Name:      "sets_total",
			Help:      "Committed datapoint updates",
		}),
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "store",
			Name:      "gets_total",
			Help:      "Datapoint lookups by result",
		}, []string{"result"}),
		eventsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "events",
			Name:      "encoded_total",
			Help:      "Events encoded into datapoints",
		}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "events",
			Name:      "rejected_total",
			Help:      "Events rejected before encoding",
		}),
		redefinitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "events",
			Name:      "name_table_changes_total",
			Help:      "Event name table renames and resets",
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dserv",
			Subsystem: "store",
			Name:      "keys",
			Help:      "Names currently held by the store",
		}),
	}

	if err := registry.RegisterCounter("broker", "sets", m.sets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("broker", "gets", m.gets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("broker", "events_encoded", m.eventsEncoded); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("broker", "events_rejected", m.eventsRejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("broker", "name_table_changes", m.redefinitions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("broker", "keys", m.keys); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *Metrics) recordGet(found bool) {
	if m == nil {
		return
	}
	if found {
		m.gets.WithLabelValues("found").Inc()
	} else {
		m.gets.WithLabelValues("absent").Inc()
	}
}

func (m *Metrics) recordEvent(control bool) {
	if m == nil {
		return
	}
	m.eventsEncoded.Inc()
	if control {
		m.redefinitions.Inc()
	}
}

func (m *Metrics) recordEventRejected() {
	if m != nil {
		m.eventsRejected.Inc()
	}
}

func (m *Metrics) setKeys(n int) {
	if m != nil {
		m.keys.Set(float64(n))
	}
}
