package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_States(t *testing.T) {
	tests := []struct {
		name                         string
		status                       Status
		healthy, degraded, unhealthy bool
	}{
		{"healthy", NewHealthy("c", "ok"), true, false, false},
		{"degraded", NewDegraded("c", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("c", "down"), false, false, true},
		{"empty", Status{}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"none", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_CopiesSubStatuses(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	got := Aggregate("sys", subs)
	subs[0].Component = "changed"
	assert.Equal(t, "a", got.SubStatuses[0].Component)
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("c", nil).IsHealthy())

	s := FromError("nats", fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed, password=hunter2"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "hunter2")
	assert.Contains(t, s.Message, "[URL]")

	s = FromError("server", fmt.Errorf("listen tcp 192.168.1.9:4620: address in use"))
	assert.Equal(t, "listen tcp [ADDR]: address in use", s.Message)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor("dserv")
	healthy := true
	m.Register("server", func() Status {
		if healthy {
			return NewHealthy("", "listening")
		}
		return NewUnhealthy("", "stopped")
	})
	m.Register("mirror", func() Status { return NewDegraded("", "reconnecting") })

	assert.Equal(t, []string{"mirror", "server"}, m.Components())

	s, ok := m.Get("server")
	require.True(t, ok)
	assert.Equal(t, "server", s.Component)
	assert.True(t, s.IsHealthy())

	assert.Equal(t, StateDegraded, m.Aggregate().Status)
	healthy = false
	assert.Equal(t, StateUnhealthy, m.Aggregate().Status)

	m.Remove("server")
	m.Remove("mirror")
	_, ok = m.Get("server")
	assert.False(t, ok)
	assert.True(t, m.Aggregate().IsHealthy())
}

func TestMonitor_ServeHTTP(t *testing.T) {
	m := NewMonitor("dserv")
	m.Register("server", func() Status { return NewHealthy("", "ok") })

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "dserv", got.Component)
	assert.True(t, got.Healthy)

	m.Register("nats", func() Status { return NewUnhealthy("", "down") })
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"unhealthy"`))
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor("dserv")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Register(fmt.Sprintf("c%d", i), func() Status { return NewHealthy("", "") })
		}(i)
		go func() {
			defer wg.Done()
			m.Aggregate()
		}()
	}
	wg.Wait()
	assert.Len(t, m.Components(), 20)
}
