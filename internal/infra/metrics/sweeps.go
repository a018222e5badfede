package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		sweepOutcomesTotal,
		sweepDuration,
	)
}

var (
	sweepOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_outcomes_total",
			Help: "Per-subscription outcomes of renewal sweeps (renewed/expired/downgraded/reminder-sent/errored/skipped).",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Wall time of one full renewal sweep.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
)

func IncSweepOutcome(outcome string) {
	sweepOutcomesTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveSweepDuration(seconds float64) { sweepDuration.Observe(seconds) }
