package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of ledger balance mismatches found in last reconciliation run.",
	})

	reconcileHoldMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "hold_mismatches",
		Help:      "Number of snapshots whose hold disagrees with their state in last reconciliation run.",
	})

	reconcileLinkMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "decision_link_mismatches",
		Help:      "Number of broken snapshot/decision links found in last reconciliation run.",
	})

	reconcileOrphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Number of holds left active by dead snapshots released in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileHoldMismatches,
		reconcileLinkMismatches,
		reconcileOrphanedHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
