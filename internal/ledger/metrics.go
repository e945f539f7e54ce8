package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by entry kind.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teocoin",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by entry kind.",
		},
		[]string{"kind"},
	)

	// LedgerOpDuration observes operation latency by entry kind.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teocoin",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	holdsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teocoin",
			Name:      "holds_total",
			Help:      "Hold transitions by resulting state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, holdsTotal)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(kind string) func() {
	LedgerOpsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}
