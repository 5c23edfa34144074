// Package journal provides the append-only double-entry bookkeeping journal.
//
// Every money movement on the platform is recorded as a journal: a set of
// signed entries against named ledger accounts that must sum to zero per
// currency. Journals are immutable once written; corrections are new
// offsetting journals, never edits.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
)

var (
	ErrNotFound = errors.New("journal: not found")
	ErrEmpty    = errors.New("journal: at least two entries required")
)

// Type classifies what kind of money movement a journal records.
type Type string

const (
	TypeEscrowFunding    Type = "escrow_funding"
	TypeEscrowRelease    Type = "escrow_release"
	TypeEscrowRefund     Type = "escrow_refund"
	TypeWalletTopup      Type = "wallet_topup"
	TypeWithdrawal       Type = "withdrawal"
	TypeWalletAdjustment Type = "wallet_adjustment"
)

// Ledger account names. Free-form strings by design, but all platform
// journals use this chart of accounts.
const (
	AccountEscrowHold        = "escrow_hold"
	AccountBuyerWallet       = "buyer_wallet"
	AccountSellerWallet      = "seller_wallet"
	AccountFeesRevenue       = "fees_revenue"
	AccountUserWallet        = "user_wallet"
	AccountFundingSource     = "funding_source"
	AccountPayoutDestination = "payout_destination"
	AccountAdminAdjustments  = "admin_adjustments"
)

// Entry is a single signed line within a journal. Amounts are integer
// minor currency units (cents); floating point is never used for money.
type Entry struct {
	JournalID   string `json:"journalId"`
	Account     string `json:"account"`
	Currency    string `json:"currency"`
	AmountCents int64  `json:"amountCents"`
}

// Journal groups the entries of one atomic money movement.
type Journal struct {
	ID          string    `json:"id"`
	EscrowID    string    `json:"escrowId,omitempty"`
	Type        Type      `json:"type"`
	Description string    `json:"description,omitempty"`
	Entries     []Entry   `json:"entries"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UnbalancedError reports entries that do not sum to zero for a currency.
// Reaching it from valid external input is a bug in the caller, not a user
// error.
type UnbalancedError struct {
	Currency string
	Sum      int64
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("journal: entries for %s sum to %d, want 0", e.Currency, e.Sum)
}

// New builds a journal with a fresh ID and stamps its entries.
func New(t Type, escrowID, description string, entries ...Entry) *Journal {
	j := &Journal{
		ID:          idgen.WithPrefix("jrn_"),
		EscrowID:    escrowID,
		Type:        t,
		Description: description,
		Entries:     make([]Entry, len(entries)),
		CreatedAt:   time.Now(),
	}
	for i, e := range entries {
		e.JournalID = j.ID
		j.Entries[i] = e
	}
	return j
}

// Validate checks the double-entry invariant: at least two entries, no
// zero-amount entries, and a zero sum per currency.
func (j *Journal) Validate() error {
	if len(j.Entries) < 2 {
		return ErrEmpty
	}
	sums := make(map[string]int64, 2)
	for _, e := range j.Entries {
		if e.Account == "" {
			return fmt.Errorf("journal: entry missing account")
		}
		if e.Currency == "" {
			return fmt.Errorf("journal: entry missing currency")
		}
		if e.AmountCents == 0 {
			return fmt.Errorf("journal: zero-amount entry for account %s", e.Account)
		}
		sums[e.Currency] += e.AmountCents
	}
	for currency, sum := range sums {
		if sum != 0 {
			return &UnbalancedError{Currency: currency, Sum: sum}
		}
	}
	return nil
}

// Store persists journals. Append must write the journal and all of its
// entries as one atomic unit; there are no update or delete operations.
type Store interface {
	Append(ctx context.Context, j *Journal) error
	Get(ctx context.Context, id string) (*Journal, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Journal, error)
	ListRecent(ctx context.Context, limit int) ([]*Journal, error)
}

// Writer validates and appends journals.
type Writer struct {
	store  Store
	logger *slog.Logger
}

// NewWriter creates a journal writer.
func NewWriter(store Store) *Writer {
	return &Writer{store: store, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (w *Writer) WithLogger(l *slog.Logger) *Writer {
	w.logger = l
	return w
}

// Create validates and persists a new journal built from the given entries.
func (w *Writer) Create(ctx context.Context, t Type, escrowID, description string, entries ...Entry) (*Journal, error) {
	j := New(t, escrowID, description, entries...)
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if err := w.store.Append(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to append journal: %w", err)
	}
	observeJournal(string(t), len(j.Entries))
	return j, nil
}

// Get returns a journal by ID.
func (w *Writer) Get(ctx context.Context, id string) (*Journal, error) {
	return w.store.Get(ctx, id)
}

// ForEscrow returns all journals recorded against an escrow, oldest first.
func (w *Writer) ForEscrow(ctx context.Context, escrowID string) ([]*Journal, error) {
	return w.store.ListByEscrow(ctx, escrowID)
}

// Recent returns the most recently written journals.
func (w *Writer) Recent(ctx context.Context, limit int) ([]*Journal, error) {
	if limit <= 0 {
		limit = 50
	}
	return w.store.ListRecent(ctx, limit)
}
