package metric

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics holds the substrate-wide metrics every node exposes.
type CoreMetrics struct {
	// Dispatched counts executed commands by slug and outcome
	// (ok, denied, unknown, not_found, error).
	Dispatched *prometheus.CounterVec

	// DispatchDuration observes command execution time by slug.
	DispatchDuration *prometheus.HistogramVec

	// OutboxDepth tracks persisted-but-unconfirmed envelopes.
	OutboxDepth prometheus.Gauge

	// DeliveryRetries counts delivery attempts that had to be retried.
	DeliveryRetries prometheus.Counter
}

// NewCoreMetrics creates and registers the substrate metrics on the registry.
func NewCoreMetrics(registry *Registry) *CoreMetrics {
	m := &CoreMetrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloud_commands_dispatched_total",
			Help: "Commands dispatched by slug and outcome",
		}, []string{"slug", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloud_command_dispatch_seconds",
			Help:    "Command execution duration by slug",
			Buckets: prometheus.DefBuckets,
		}, []string{"slug"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloud_transit_outbox_depth",
			Help: "Persisted envelopes awaiting delivery confirmation",
		}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloud_transit_delivery_retries_total",
			Help: "Delivery attempts that required a retry",
		}),
	}

	registry.MustRegister("core", "commands_dispatched_total", m.Dispatched)
	registry.MustRegister("core", "command_dispatch_seconds", m.DispatchDuration)
	registry.MustRegister("transit", "outbox_depth", m.OutboxDepth)
	registry.MustRegister("transit", "delivery_retries_total", m.DeliveryRetries)

	return m
}
