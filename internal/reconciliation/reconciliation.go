// Package reconciliation cross-checks the double-entry journal against
// escrow state. For every currency the escrow_hold account balance must
// equal the remaining net of all escrows currently holding money; any
// drift means a transition wrote an escrow without its journal or the
// other way around.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/journal"
)

// journalScanLimit bounds how many journals one run reads.
const journalScanLimit = 10000

// heldStatuses are the states in which an escrow holds funds.
var heldStatuses = []escrow.Status{
	escrow.StatusFunded,
	escrow.StatusAwaitingShipment,
	escrow.StatusShipped,
	escrow.StatusDelivered,
	escrow.StatusAwaitingRelease,
	escrow.StatusDisputed,
}

// JournalSource provides read access to recorded journals.
type JournalSource interface {
	ListRecent(ctx context.Context, limit int) ([]*journal.Journal, error)
}

// EscrowSource provides read access to escrows by status.
type EscrowSource interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	Match              bool             `json:"match"`
	HeldCents          map[string]int64 `json:"heldCents"`     // escrow_hold balance per currency, from journals
	ExpectedCents      map[string]int64 `json:"expectedCents"` // remaining net of open escrows per currency
	DiffCents          map[string]int64 `json:"diffCents"`
	UnbalancedJournals []string         `json:"unbalancedJournals,omitempty"`
	CheckedJournals    int              `json:"checkedJournals"`
	OpenEscrows        int              `json:"openEscrows"`
	RanAt              time.Time        `json:"ranAt"`
}

// Service compares journal and escrow state.
type Service struct {
	journals JournalSource
	escrows  EscrowSource
}

// NewService creates a reconciliation service.
func NewService(journals JournalSource, escrows EscrowSource) *Service {
	return &Service{journals: journals, escrows: escrows}
}

// Run performs one reconciliation pass.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	result := &Result{
		HeldCents:     make(map[string]int64),
		ExpectedCents: make(map[string]int64),
		DiffCents:     make(map[string]int64),
		RanAt:         start.UTC(),
	}

	journals, err := s.journals.ListRecent(ctx, journalScanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	result.CheckedJournals = len(journals)

	for _, j := range journals {
		if err := j.Validate(); err != nil {
			result.UnbalancedJournals = append(result.UnbalancedJournals, j.ID)
		}
		for _, e := range j.Entries {
			if e.Account == journal.AccountEscrowHold {
				result.HeldCents[e.Currency] += e.AmountCents
			}
		}
	}

	for _, status := range heldStatuses {
		escrows, err := s.escrows.ListByStatus(ctx, status, journalScanLimit)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list %s escrows: %w", status, err)
		}
		for _, e := range escrows {
			result.ExpectedCents[e.Currency] += e.NetAmountCents - e.ReleasedCents
			result.OpenEscrows++
		}
	}

	result.Match = len(result.UnbalancedJournals) == 0
	for currency := range union(result.HeldCents, result.ExpectedCents) {
		diff := result.HeldCents[currency] - result.ExpectedCents[currency]
		if diff != 0 {
			result.DiffCents[currency] = diff
			result.Match = false
		}
	}

	reconcileHoldMismatches.Set(float64(len(result.DiffCents)))
	reconcileUnbalancedJournals.Set(float64(len(result.UnbalancedJournals)))

	return result, nil
}

func union(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
