package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PositionUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "position_updates_total", Help: "Accepted driver position updates"})
	StaleSamplesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "stale_samples_total", Help: "Rejected out-of-order position samples"})
	StaleDriversTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "stale_drivers_total", Help: "Drivers pushed to inactive by the stale sweep"})

	DispatchCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_cycles_total", Help: "Matching cycles executed"})
	AssignmentsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Successful driver assignments"})
	DeclinesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "declines_total", Help: "Driver declines"})
	DispatchFailedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_failed_total", Help: "Rides escalated after exhausting retries"})
	DispatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_cycle_seconds", Help: "Dispatch cycle latency", Buckets: prometheus.DefBuckets})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "bus_events_dropped_total", Help: "Events dropped on slow subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
