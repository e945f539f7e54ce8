package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "outbox",
		Name:      "enqueued_total",
		Help:      "Domain events written to the outbox, by type.",
	}, []string{"type"})

	eventsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "outbox",
		Name:      "relayed_total",
		Help:      "Outbox relay attempts, by type and result.",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(eventsEnqueued, eventsRelayed)
}
