// Package wallet manages per-user, per-currency balances.
//
// Flow:
//  1. User tops up via an external funding source (credits available, or
//     pending when a hold period applies)
//  2. Escrow creation reserves funds (available -> pending)
//  3. Escrow settlement credits the seller or refunds the buyer
//  4. User withdraws to an external payout destination
//
// Each balance is split into two buckets: availableCents is spendable now,
// pendingCents is reserved or held and cannot be spent. Both are always >= 0.
// Every mutation that moves money between ledger accounts writes a balanced
// journal in the same atomic unit.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/validation"
)

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrHoldNotFound      = errors.New("wallet: hold not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
	ErrInvalidCurrency   = errors.New("wallet: invalid currency code")
)

// Wallet is a user's balance in one currency. Created lazily on first use
// per (user, currency) and never deleted.
type Wallet struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Currency       string    `json:"currency"`
	AvailableCents int64     `json:"availableCents"`
	PendingCents   int64     `json:"pendingCents"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Mutation is a signed change to one wallet's buckets. Stores apply all
// mutations of a call atomically and reject any that would drive a bucket
// negative.
type Mutation struct {
	WalletID       string
	AvailableDelta int64
	PendingDelta   int64
}

// Reserve moves funds from available to pending without leaving the wallet.
func Reserve(walletID string, amountCents int64) Mutation {
	return Mutation{WalletID: walletID, AvailableDelta: -amountCents, PendingDelta: amountCents}
}

// ReleaseReserve returns reserved funds to available.
func ReleaseReserve(walletID string, amountCents int64) Mutation {
	return Mutation{WalletID: walletID, AvailableDelta: amountCents, PendingDelta: -amountCents}
}

// Credit adds to available.
func Credit(walletID string, amountCents int64) Mutation {
	return Mutation{WalletID: walletID, AvailableDelta: amountCents}
}

// Debit removes from available.
func Debit(walletID string, amountCents int64) Mutation {
	return Mutation{WalletID: walletID, AvailableDelta: -amountCents}
}

// SpendPending consumes reserved funds out of the wallet.
func SpendPending(walletID string, amountCents int64) Mutation {
	return Mutation{WalletID: walletID, PendingDelta: -amountCents}
}

// Hold is a delayed top-up: funds sit in pending until ReleaseAt, then a
// sweep settles them into available.
type Hold struct {
	ID          string     `json:"id"`
	WalletID    string     `json:"walletId"`
	AmountCents int64      `json:"amountCents"`
	ReleaseAt   time.Time  `json:"releaseAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Store persists wallets and holds. Apply must write every mutation and the
// journal (when non-nil) as one atomic unit, or nothing at all.
type Store interface {
	GetOrCreate(ctx context.Context, w *Wallet) (*Wallet, error)
	Get(ctx context.Context, id string) (*Wallet, error)
	GetByUser(ctx context.Context, userID, currency string) (*Wallet, error)
	ListByUser(ctx context.Context, userID string) ([]*Wallet, error)
	Apply(ctx context.Context, muts []Mutation, jr *journal.Journal) error
	AddHold(ctx context.Context, h *Hold, jr *journal.Journal) error
	SettleHold(ctx context.Context, holdID string) (*Hold, error)
	DueHolds(ctx context.Context, now time.Time) ([]*Hold, error)
}

// Service exposes wallet operations.
type Service struct {
	store      Store
	holdPeriod time.Duration // 0 = top-ups credit available immediately
	logger     *slog.Logger
}

// New creates a wallet service.
func New(store Store) *Service {
	return &Service{store: store, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithHoldPeriod makes top-ups land in pending for the given duration.
func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	s.holdPeriod = d
	return s
}

// GetOrCreate returns the user's wallet for a currency, creating it with
// zero balances on first use.
func (s *Service) GetOrCreate(ctx context.Context, userID, currency string) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: user id required")
	}
	currency = validation.NormalizeCurrency(currency)
	if !validation.IsValidCurrency(currency) {
		return nil, ErrInvalidCurrency
	}
	now := time.Now()
	return s.store.GetOrCreate(ctx, &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Get returns a wallet by ID.
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns all of a user's wallets.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Wallet, error) {
	return s.store.ListByUser(ctx, userID)
}

// ReserveForEscrow moves amount from available to pending. No journal is
// written: the money has not left the wallet, only changed bucket.
func (s *Service) ReserveForEscrow(ctx context.Context, walletID string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Apply(ctx, []Mutation{Reserve(walletID, amountCents)}, nil); err != nil {
		observeOp("reserve", err)
		return err
	}
	observeOp("reserve", nil)
	return nil
}

// ReleaseReservation returns a reservation to available (escrow cancelled
// before funding). No journal, mirror of ReserveForEscrow.
func (s *Service) ReleaseReservation(ctx context.Context, walletID string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	err := s.store.Apply(ctx, []Mutation{ReleaseReserve(walletID, amountCents)}, nil)
	observeOp("release_reservation", err)
	return err
}

// ReleaseToSeller credits the seller's available balance with escrowed
// funds. The seller wallet never held the reservation, so this is a plain
// credit paired against the escrow hold account.
func (s *Service) ReleaseToSeller(ctx context.Context, walletID, escrowID string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	jr := journal.New(journal.TypeEscrowRelease, escrowID, "escrow released to seller",
		journal.Entry{Account: journal.AccountEscrowHold, Currency: w.Currency, AmountCents: -amountCents},
		journal.Entry{Account: journal.AccountSellerWallet, Currency: w.Currency, AmountCents: amountCents},
	)
	err = s.store.Apply(ctx, []Mutation{Credit(walletID, amountCents)}, jr)
	observeOp("release_to_seller", err)
	return err
}

// RefundToBuyer returns escrowed funds to the buyer: pending shrinks by the
// amount and available grows by it. Fails with ErrInsufficientFunds if the
// pending bucket does not cover the refund.
func (s *Service) RefundToBuyer(ctx context.Context, walletID, escrowID string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	jr := journal.New(journal.TypeEscrowRefund, escrowID, "escrow refunded to buyer",
		journal.Entry{Account: journal.AccountEscrowHold, Currency: w.Currency, AmountCents: -amountCents},
		journal.Entry{Account: journal.AccountBuyerWallet, Currency: w.Currency, AmountCents: amountCents},
	)
	err = s.store.Apply(ctx, []Mutation{ReleaseReserve(walletID, amountCents)}, jr)
	observeOp("refund_to_buyer", err)
	return err
}

// CreditWallet is an admin adjustment that adds to available.
func (s *Service) CreditWallet(ctx context.Context, walletID string, amountCents int64, reason string) error {
	return s.adjust(ctx, walletID, amountCents, reason)
}

// DebitWallet is an admin adjustment that removes from available.
func (s *Service) DebitWallet(ctx context.Context, walletID string, amountCents int64, reason string) error {
	return s.adjust(ctx, walletID, -amountCents, reason)
}

func (s *Service) adjust(ctx context.Context, walletID string, deltaCents int64, reason string) error {
	if deltaCents == 0 {
		return ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	jr := journal.New(journal.TypeWalletAdjustment, "", reason,
		journal.Entry{Account: journal.AccountAdminAdjustments, Currency: w.Currency, AmountCents: -deltaCents},
		journal.Entry{Account: journal.AccountUserWallet, Currency: w.Currency, AmountCents: deltaCents},
	)
	err = s.store.Apply(ctx, []Mutation{Credit(walletID, deltaCents)}, jr)
	observeOp("adjustment", err)
	return err
}

// TopUp credits a wallet after the funding source confirmed a charge. When
// a hold period is configured the funds land in pending with a hold record;
// SettleDueHolds later moves them to available.
func (s *Service) TopUp(ctx context.Context, walletID string, amountCents int64) (*Wallet, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	jr := journal.New(journal.TypeWalletTopup, "", "wallet top-up",
		journal.Entry{Account: journal.AccountFundingSource, Currency: w.Currency, AmountCents: -amountCents},
		journal.Entry{Account: journal.AccountUserWallet, Currency: w.Currency, AmountCents: amountCents},
	)

	if s.holdPeriod > 0 {
		now := time.Now()
		h := &Hold{
			ID:          idgen.WithPrefix("hld_"),
			WalletID:    walletID,
			AmountCents: amountCents,
			ReleaseAt:   now.Add(s.holdPeriod),
			CreatedAt:   now,
		}
		if err := s.store.AddHold(ctx, h, jr); err != nil {
			observeOp("topup", err)
			return nil, err
		}
	} else {
		if err := s.store.Apply(ctx, []Mutation{Credit(walletID, amountCents)}, jr); err != nil {
			observeOp("topup", err)
			return nil, err
		}
	}
	observeOp("topup", nil)
	return s.store.Get(ctx, walletID)
}

// Withdraw debits available and records a withdrawal journal against the
// payout destination account.
func (s *Service) Withdraw(ctx context.Context, walletID string, amountCents int64) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	jr := journal.New(journal.TypeWithdrawal, "", "withdrawal",
		journal.Entry{Account: journal.AccountUserWallet, Currency: w.Currency, AmountCents: -amountCents},
		journal.Entry{Account: journal.AccountPayoutDestination, Currency: w.Currency, AmountCents: amountCents},
	)
	err = s.store.Apply(ctx, []Mutation{Debit(walletID, amountCents)}, jr)
	observeOp("withdrawal", err)
	return err
}

// SettleDueHolds moves matured top-up holds from pending to available.
// Called by the periodic sweep; returns how many holds settled. A settle
// moves money between buckets of the same ledger account, so no journal is
// written.
func (s *Service) SettleDueHolds(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueHolds(ctx, now)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, h := range due {
		if _, err := s.store.SettleHold(ctx, h.ID); err != nil {
			s.logger.Error("hold settlement failed", "hold", h.ID, "wallet", h.WalletID, "error", err)
			continue
		}
		settled++
		holdsSettledTotal.Inc()
	}
	return settled, nil
}
