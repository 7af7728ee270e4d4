package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway server collectors.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	AuthAttempts      *prometheus.CounterVec
	QueriesDispatched *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	DispatchDuration  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Number of live gateway sessions in the connection registry.",
		}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Gateway authentication handshakes by result.",
		}, []string{"result"}),
		QueriesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_queries_dispatched_total",
			Help: "Queries dispatched over the tunnel by outcome.",
		}, []string{"outcome"}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_session_evictions_total",
			Help: "Session evictions by reason.",
		}, []string{"reason"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Round-trip time from dispatch to resolved response.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}
