package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Discount snapshots created.",
	})

	snapshotTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "snapshot",
		Name:      "transitions_total",
		Help:      "Discount snapshot state transitions.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(snapshotsCreated, snapshotTransitions)
}
