package honey

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HoneyOpsTotal counts honey ledger operations by type.
	HoneyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "honey_operations_total",
			Help:      "Total honey ledger operations by type.",
		},
		[]string{"type"},
	)

	// HoneyOpDuration observes operation latency by type.
	HoneyOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "honey_operation_duration_seconds",
			Help:      "Honey ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// HoneyInCirculation tracks the sum of all totals across balances.
	HoneyInCirculation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "honey_in_circulation_total",
			Help:      "Sum of total honey across all balances.",
		},
	)

	// HoneyProvisioned tracks the sum of provisioned honey across balances.
	HoneyProvisioned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "honey_provisioned_total",
			Help:      "Sum of provisioned honey across all balances.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HoneyOpsTotal,
		HoneyOpDuration,
		HoneyInCirculation,
		HoneyProvisioned,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	HoneyOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		HoneyOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
