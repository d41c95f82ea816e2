package mirror

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/metric"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject, append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.KeysDatapoint = false
	b, err := broker.New(cfg, broker.Deps{})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ain/vals", "dserv.ain.vals"},
		{"plain", "dserv.plain"},
		{"a.b/c", "dserv.a_b.c"},
		{"odd/*/>", "dserv.odd._._"},
		{"/lead", "dserv._.lead"},
		{"with space", "dserv.with_space"},
		{"@keys", "dserv.@keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject("dserv", tt.name))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty prefix", func(c *Config) { c.Prefix = "" }, true},
		{"wildcard prefix", func(c *Config) { c.Prefix = "dserv.*" }, true},
		{"no patterns", func(c *Config) { c.Patterns = nil }, true},
		{"empty pattern", func(c *Config) { c.Patterns = []string{""} }, true},
		{"negative workers", func(c *Config) { c.Workers = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMirror_PublishesMatchingDatapoints(t *testing.T) {
	b := newBroker(t)
	pub := &fakePublisher{}
	reg := metric.NewMetricsRegistry()

	cfg := DefaultConfig()
	cfg.Patterns = []string{"ess/*"}
	m, err := New(cfg, Deps{Broker: b, Publisher: pub, MetricsRegistry: reg})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(time.Second)

	require.NoError(t, b.SetValue("other", datapoint.String, 1, []byte("x")))
	require.NoError(t, b.SetValue("ess/state", datapoint.String, 2, []byte("running")))

	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := pub.messages()[0]
	assert.Equal(t, "dserv.ess.state", msg.subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.data, &body))
	assert.Equal(t, "ess/state", body["name"])
	assert.Equal(t, "running", body["data"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.published))
	assert.True(t, m.Health().IsHealthy())
}

func TestMirror_PerNameOrder(t *testing.T) {
	b := newBroker(t)
	pub := &fakePublisher{}
	m, err := New(DefaultConfig(), Deps{Broker: b, Publisher: pub})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	const n = 200
	for i := 1; i <= n; i++ {
		require.NoError(t, b.SetValue("a", datapoint.Int, uint64(i), datapoint.Int32s(int32(i))))
		require.NoError(t, b.SetValue("b", datapoint.Int, uint64(i), datapoint.Int32s(int32(i))))
	}
	require.Eventually(t, func() bool { return len(pub.messages()) == 2*n }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop(time.Second))

	last := map[string]float64{}
	for _, msg := range pub.messages() {
		var body struct {
			Timestamp float64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(msg.data, &body))
		assert.Greater(t, body.Timestamp, last[msg.subject], "subject %s out of order", msg.subject)
		last[msg.subject] = body.Timestamp
	}
}

func TestMirror_PublishFailureDegradesHealth(t *testing.T) {
	b := newBroker(t)
	pub := &fakePublisher{err: stderrors.New("not connected to NATS")}
	m, err := New(DefaultConfig(), Deps{Broker: b, Publisher: pub, MetricsRegistry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(time.Second)

	require.NoError(t, b.SetValue("x", datapoint.String, 1, []byte("v")))
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)

	h := m.Health()
	assert.True(t, h.IsDegraded())
	assert.Contains(t, h.Message, "not connected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.failed))
}

func TestMirror_Lifecycle(t *testing.T) {
	b := newBroker(t)
	m, err := New(DefaultConfig(), Deps{Broker: b, Publisher: &fakePublisher{}})
	require.NoError(t, err)
	assert.True(t, m.Health().IsUnhealthy())

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, m.Stop(time.Second))
	require.NoError(t, m.Stop(time.Second))
	assert.Equal(t, 0, b.Subscribers())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}
