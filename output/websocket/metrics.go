package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics holds Prometheus metrics for the feed. A nil *Metrics records
// nothing.
type Metrics struct {
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Datapoint envelopes sent to WebSocket clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to WebSocket clients",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket feed errors",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterCounter("websocket", "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("websocket", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "client_connections", m.connectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "client_disconnections", m.disconnectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "errors", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordSent(n int) {
	if m != nil {
		m.messagesSent.Inc()
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) clientConnected(count int) {
	if m != nil {
		m.connectionTotal.Inc()
		m.clientsConnected.Set(float64(count))
	}
}

func (m *Metrics) clientDisconnected(reason string, count int) {
	if m != nil {
		m.disconnectionTotal.WithLabelValues(reason).Inc()
		m.clientsConnected.Set(float64(count))
	}
}

func (m *Metrics) recordError(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}
