package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Subsystem: "reconcile",
		Name:      "invariant_violations_total",
		Help:      "Times the honey invariant (provisioned <= total) was found violated.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hive",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hive",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		invariantViolations,
		reconcileDuration,
		reconcileErrors,
	)
}

func observeRun() func() {
	timer := prometheus.NewTimer(reconcileDuration)
	return func() { timer.ObserveDuration() }
}
