package wallet

import "github.com/prometheus/client_golang/prometheus"

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "wallet",
		Name:      "operations_total",
		Help:      "Wallet operations by type and result.",
	}, []string{"operation", "result"})

	holdsSettledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "wallet",
		Name:      "holds_settled_total",
		Help:      "Top-up holds settled into available balance.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, holdsSettledTotal)
}

func observeOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	opsTotal.WithLabelValues(operation, result).Inc()
}
