package journal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JournalsTotal counts journals written by type.
	JournalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearhold",
			Name:      "journals_total",
			Help:      "Total journals written by type.",
		},
		[]string{"type"},
	)

	// JournalEntriesTotal counts individual entries written.
	JournalEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clearhold",
			Name:      "journal_entries_total",
			Help:      "Total journal entries written.",
		},
	)
)

func init() {
	prometheus.MustRegister(JournalsTotal, JournalEntriesTotal)
}

func observeJournal(journalType string, entries int) {
	JournalsTotal.WithLabelValues(journalType).Inc()
	JournalEntriesTotal.Add(float64(entries))
}
