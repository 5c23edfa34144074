package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Committed escrow state transitions by target status and actor.",
	}, []string{"status", "actor"})

	settledCentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "escrow",
		Name:      "settled_cents_total",
		Help:      "Minor currency units settled by outcome.",
	}, []string{"outcome"})

	autoReleasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "escrow",
		Name:      "auto_releases_total",
		Help:      "Escrows released by the periodic sweep.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, settledCentsTotal, autoReleasesTotal)
}

func observeTransition(to Status, actor ActorKind) {
	transitionsTotal.WithLabelValues(string(to), string(actor)).Inc()
}

func observeSettlement(outcome string, amountCents int64) {
	settledCentsTotal.WithLabelValues(outcome).Add(float64(amountCents))
}
