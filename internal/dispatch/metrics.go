package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchTotal counts finished dispatches by status and failure kind.
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_dispatch_total",
		Help: "Finished dispatches by status and failure kind",
	}, []string{"status", "kind"})

	// dispatchDuration tracks end-to-end dispatch latency.
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switchyard_dispatch_duration_seconds",
		Help:    "Dispatch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"status"})

	dispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_dispatch_in_flight",
		Help: "Dispatches currently in progress",
	})

	// boundaryViolations counts dispatches aborted for touching another tree.
	boundaryViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_boundary_violations_total",
		Help: "Dispatches aborted by boundary supervision, by application",
	}, []string{"app"})

	recoveredPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_dispatch_recovered_panics_total",
		Help: "Panics recovered inside a dispatch stage",
	})
)
