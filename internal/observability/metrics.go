package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pubbs", Name: "heartbeats_total", Help: "Total heartbeats accepted"})
	SweepsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pubbs", Name: "sweeps_total", Help: "Total auto-hold sweeps executed"})
	SweepFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pubbs", Name: "sweep_failures_total", Help: "Sweeps aborted before processing any user"})
	HoldsApplied    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pubbs", Name: "holds_applied_total", Help: "Rides transitioned to hold by the sweep"})
	SweepDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "pubbs", Name: "sweep_duration_seconds", Help: "Auto-hold sweep latency"})
	ActiveRides     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "pubbs", Name: "active_rides", Help: "Active rides seen in the last sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pubbs", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pubbs",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
