package webhooks

import "github.com/prometheus/client_golang/prometheus"

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "teocoin",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}
