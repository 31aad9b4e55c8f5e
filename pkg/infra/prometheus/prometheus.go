package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	RateLimitDecisions = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgesec_rate_limit_decisions_total",
			Help: "Rate limit check outcomes",
		},
		[]string{"outcome"}, // allowed, denied, blocked
	)

	ActiveConnections = promauto.With(registerer).NewGauge(
		prometheus.GaugeOpts{
			Name: "edgesec_active_connections",
			Help: "Currently tracked connections",
		},
	)

	ConnectionRejections = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgesec_connection_rejections_total",
			Help: "Connections refused by the guard",
		},
		[]string{"reason"}, // blocked, server_limit, ip_limit
	)

	SecurityEvents = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgesec_security_events_total",
			Help: "Security events recorded by the monitor",
		},
		[]string{"type", "level"},
	)

	BlockedIPs = promauto.With(registerer).NewGauge(
		prometheus.GaugeOpts{
			Name: "edgesec_blocked_ips",
			Help: "IPs currently on the shared blocklist",
		},
	)

	SlowlorisDisconnects = promauto.With(registerer).NewCounter(
		prometheus.CounterOpts{
			Name: "edgesec_slowloris_disconnects_total",
			Help: "Connections dropped by slowloris detection",
		},
	)

	RequestSizeBytes = promauto.With(registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgesec_request_size_bytes",
			Help:    "Observed request payload sizes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	AlertDeliveries = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgesec_alert_deliveries_total",
			Help: "Alert webhook delivery outcomes",
		},
		[]string{"outcome"}, // ok, error
	)
)

func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}
