package chainmirror

import "github.com/prometheus/client_golang/prometheus"

var mirroredTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "teocoin",
	Subsystem: "chain_mirror",
	Name:      "records_total",
	Help:      "Credits appended to the chain-ledger mirror.",
})

func init() {
	prometheus.MustRegister(mirroredTotal)
}
