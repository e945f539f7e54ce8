package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	providerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Payment provider calls by operation and result.",
	}, []string{"op", "result"})

	providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "teocoin",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Payment provider call duration including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
	}, []string{"op"})

	webhooksVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "provider",
		Name:      "webhooks_verified_total",
		Help:      "Webhook deliveries by verification result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(providerCallsTotal, providerCallDuration, webhooksVerified)
}
