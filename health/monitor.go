package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// Checker reports the current status of a component.
type Checker func() Status

// Monitor aggregates component checks. It is an http.Handler serving the
// aggregate as JSON, with status 503 while the system is unhealthy.
type Monitor struct {
	name   string
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewMonitor creates a monitor reporting under name.
func NewMonitor(name string) *Monitor {
	return &Monitor{name: name, checks: make(map[string]Checker)}
}

// Register adds or replaces the check for component.
func (m *Monitor) Register(component string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Remove drops the check for component.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, component)
}

// Get runs the check for component.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checks[component]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return named(component, check()), true
}

// Components lists the registered component names, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregate runs every check and combines the results.
func (m *Monitor) Aggregate() Status {
	subs := make([]Status, 0)
	for _, name := range m.Components() {
		if s, ok := m.Get(name); ok {
			subs = append(subs, s)
		}
	}
	return Aggregate(m.name, subs)
}

func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Aggregate()
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func named(component string, s Status) Status {
	s.Component = component
	return s
}
