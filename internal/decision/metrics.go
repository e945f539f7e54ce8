package decision

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teocoin/settlement/internal/metrics"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "decision",
		Name:      "transitions_total",
		Help:      "Decisions entering each state.",
	}, []string{"state"})

	mirrorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "decision",
		Name:      "mirror_failures_total",
		Help:      "Chain mirror appends that failed after a successful credit.",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, mirrorFailures)
}

func invariantViolations(check string) {
	metrics.InvariantViolationsTotal.WithLabelValues(check).Inc()
}
