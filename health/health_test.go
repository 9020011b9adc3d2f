package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTracksComponents(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.OK(), "empty monitor is healthy")

	m.SetHealthy("transit", "outbox drained")
	m.SetUnhealthy("nats", "connection lost")

	assert.False(t, m.OK())

	s, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", s.Component)
	assert.False(t, s.Healthy)
	assert.False(t, s.Timestamp.IsZero())

	m.SetHealthy("nats", "reconnected")
	assert.True(t, m.OK())
}

func TestMonitorSnapshotIsCopy(t *testing.T) {
	m := NewMonitor()
	m.SetHealthy("core", "")

	snap := m.Snapshot()
	snap["core"] = Unhealthy("core", "mutated copy")

	s, ok := m.Get("core")
	require.True(t, ok)
	assert.True(t, s.Healthy)
}

func TestHealthzEndpoint(t *testing.T) {
	m := NewMonitor()
	m.SetHealthy("core", "running")
	srv := NewServer(0, m, nil, nil)

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy    bool              `json:"healthy"`
		Components map[string]Status `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Contains(t, body.Components, "core")

	m.SetUnhealthy("nats", "down")
	rec = httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
