package checkout

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teocoin/settlement/internal/errs"
)

var (
	intentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "checkout",
		Name:      "intents_total",
		Help:      "CreateIntent calls by resulting status or error code.",
	}, []string{"result"})

	reapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teocoin",
		Subsystem: "checkout",
		Name:      "snapshots_reaped_total",
		Help:      "Applied snapshots expired by the reaper.",
	})
)

func init() {
	prometheus.MustRegister(intentsTotal, reapedTotal)
}

func observeIntent(res *IntentResult, err error) {
	if err != nil {
		intentsTotal.WithLabelValues(errs.Code(err)).Inc()
		return
	}
	intentsTotal.WithLabelValues(res.Status).Inc()
}
