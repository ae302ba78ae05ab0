package push

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the server's Prometheus collectors. Names are stable; scrape
// configs depend on them.
type Metrics struct {
	Messages            *prometheus.CounterVec
	Errors              *prometheus.CounterVec
	BroadcastDuration   *prometheus.HistogramVec
	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics builds and registers the collectors. Pass a fresh registry in
// tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_messages_total",
			Help: "Messages handled, by frame type.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_errors_total",
			Help: "Error frames emitted, by error code.",
		}, []string{"kind"}),
		BroadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "push_broadcast_duration_seconds",
			Help:    "Time to fan one frame out to a room.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"channel"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_active_connections",
			Help: "Currently open connections.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_active_subscriptions",
			Help: "Current room memberships across all connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.Errors, m.BroadcastDuration, m.ActiveConnections, m.ActiveSubscriptions)
	}
	return m
}
