package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_events_total",
		Help: "test counter",
	})

	require.NoError(t, registry.Register("transit", "events_total", counter))

	// Same key twice is rejected before prometheus sees it.
	err := registry.Register("transit", "events_total", counter)
	assert.Error(t, err)

	assert.True(t, registry.Unregister("transit", "events_total"))
	assert.False(t, registry.Unregister("transit", "events_total"))
}

func TestIndependentRegistriesDoNotCollide(t *testing.T) {
	// Two simulated nodes in one process must not share collectors.
	a := NewRegistry()
	b := NewRegistry()

	ma := NewCoreMetrics(a)
	mb := NewCoreMetrics(b)

	ma.Dispatched.WithLabelValues("testCommand", "ok").Inc()
	mb.OutboxDepth.Set(3)

	families, err := a.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
