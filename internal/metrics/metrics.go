package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Governor counters, gauges and histograms, registered on the default registry
// and exposed by the admin server at /metrics.

var (
	// Controller
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "controller",
		Name:      "cycles_total",
		Help:      "Total control cycles run",
	})

	CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "controller",
		Name:      "cycle_errors_total",
		Help:      "Total control cycle errors by fault kind",
	}, []string{"kind"})

	CycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "controller",
		Name:      "cycle_duration_seconds",
		Help:      "Control cycle duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	ActiveProfile = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "controller",
		Name:      "active_profile",
		Help:      "1 for the active profile, 0 for the others",
	}, []string{"profile"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "controller",
		Name:      "transitions_total",
		Help:      "Total profile transitions by kind",
	}, []string{"kind"})

	GuardVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "guard",
		Name:      "verdicts_total",
		Help:      "Total anti-thrashing guard verdicts by outcome",
	}, []string{"outcome"})

	Suspended = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "guard",
		Name:      "suspended",
		Help:      "1 while automation is suspended after thrashing",
	})

	// Snapshot
	Coverage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "snapshot",
		Name:      "critical_coverage_ratio",
		Help:      "Share of critical entities retained in the last cycle",
	})

	HourlyCost = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "snapshot",
		Name:      "estimated_hourly_cost",
		Help:      "Estimated ingestion cost per hour in the last cycle",
	})

	SeriesKept = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "snapshot",
		Name:      "series_kept",
		Help:      "Series retained in the last cycle",
	})

	AmbiguousEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "classifier",
		Name:      "ambiguous_entities",
		Help:      "Entities classified with the fallback tier in the last cycle",
	})

	// Smoothing
	SmoothingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "smoothing",
		Name:      "entries",
		Help:      "Smoothed series held in memory",
	})

	SmoothingEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "smoothing",
		Name:      "evicted_total",
		Help:      "Total smoothed series evicted after the TTL",
	})

	// Source
	SourceFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "source",
		Name:      "fetch_duration_seconds",
		Help:      "Telemetry source fetch duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"source"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Total telemetry source fetch failures",
	}, []string{"source"})

	// State
	StateOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "state",
		Name:      "operations_total",
		Help:      "Total state store operations by backend, operation and result",
	}, []string{"backend", "op", "result"})

	StateMemoryOnly = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "state",
		Name:      "memory_only",
		Help:      "1 while state cannot be persisted and lives only in memory",
	})

	// Publisher
	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "publisher",
		Name:      "attempts_total",
		Help:      "Total profile publish attempts by result",
	}, []string{"result"})

	PublishPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "publisher",
		Name:      "pending",
		Help:      "1 while a published profile has not been confirmed",
	})

	// Admin
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total admin API requests by route and status code",
	}, []string{"route", "code"})
)

// SetActiveProfile flips the active_profile gauge to name.
func SetActiveProfile(names []string, name string) {
	for _, n := range names {
		v := 0.0
		if n == name {
			v = 1
		}
		ActiveProfile.WithLabelValues(n).Set(v)
	}
}

// BoolGauge converts b to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
