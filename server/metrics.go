package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dserv/metric"
)

// Metrics holds Prometheus metrics for the TCP server. A nil *Metrics
// records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	accepted       prometheus.Counter
	frames         *prometheus.CounterVec
	commands       *prometheus.CounterVec
	protocolErrors prometheus.Counter
	notifications  prometheus.Counter
	skipped        prometheus.Counter
	sendClients    prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open client connections",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Client messages decoded, by framing",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Text commands executed, by verb and status",
		}, []string{"command", "status"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "protocol_errors_total",
			Help:      "Messages rejected for framing or validation errors",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "notifications_sent_total",
			Help:      "Datapoints written to subscribed sockets",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "notifications_skipped_total",
			Help:      "Datapoints too large for a fixed frame subscriber",
		}),
		sendClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dserv",
			Subsystem: "server",
			Name:      "send_clients",
			Help:      "Registered outbound push clients",
		}),
	}

	if err := registry.RegisterGauge("server", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "connections_accepted", m.accepted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("server", "frames", m.frames); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("server", "commands", m.commands); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "protocol_errors", m.protocolErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "notifications_sent", m.notifications); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "notifications_skipped", m.skipped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("server", "send_clients", m.sendClients); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.accepted.Inc()
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) recordFrame(kind string) {
	if m != nil {
		m.frames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) recordCommand(verb, status string) {
	if m != nil {
		m.commands.WithLabelValues(verb, status).Inc()
	}
}

func (m *Metrics) recordProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) recordSent(n int) {
	if m != nil {
		m.notifications.Add(float64(n))
	}
}

func (m *Metrics) recordSkipped() {
	if m != nil {
		m.skipped.Inc()
	}
}

func (m *Metrics) setSendClients(n int) {
	if m != nil {
		m.sendClients.Set(float64(n))
	}
}
