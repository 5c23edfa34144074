package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileHoldMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clearhold",
		Subsystem: "reconciliation",
		Name:      "hold_mismatches",
		Help:      "Currencies whose escrow_hold balance disagrees with open escrows in the last run.",
	})

	reconcileUnbalancedJournals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clearhold",
		Subsystem: "reconciliation",
		Name:      "unbalanced_journals",
		Help:      "Stored journals that failed balance validation in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clearhold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clearhold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileHoldMismatches,
		reconcileUnbalancedJournals,
		reconcileDuration,
		reconcileErrors,
	)
}
