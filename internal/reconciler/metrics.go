package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teocoin/settlement/internal/metrics"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "reconciler",
		Name:      "events_total",
		Help:      "Provider events by type and outcome.",
	}, []string{"type", "outcome"})

	correlations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "reconciler",
		Name:      "correlations_total",
		Help:      "Snapshots correlated by the key that matched.",
	}, []string{"via"})
)

func init() {
	prometheus.MustRegister(eventsTotal, correlations)
}

func invariantViolations(check string) {
	metrics.InvariantViolationsTotal.WithLabelValues(check).Inc()
}
