// Package health tracks per-component health for a node and serves it
// over HTTP together with the Prometheus metrics endpoint.
package health

import (
	"sync"
	"time"
)

// Status represents the health state of one component.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy builds a passing status.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Message: message, Timestamp: time.Now()}
}

// Unhealthy builds a failing status.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Healthy: false, Message: message, Timestamp: time.Now()}
}

// Monitor tracks the health of multiple components.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the status under the given name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// SetHealthy marks the named component as passing.
func (m *Monitor) SetHealthy(name, message string) {
	m.Update(name, Healthy(name, message))
}

// SetUnhealthy marks the named component as failing.
func (m *Monitor) SetUnhealthy(name, message string) {
	m.Update(name, Unhealthy(name, message))
}

// Get returns the status of one component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Snapshot returns a copy of all recorded statuses.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// OK reports whether every tracked component is healthy. An empty
// monitor is healthy, nothing has failed yet.
func (m *Monitor) OK() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
