// Package escrow owns the lifecycle of marketplace escrow agreements.
//
// Flow:
//  1. Buyer creates an agreement → amount reserved from buyer wallet
//  2. Buyer funds → funding journal written, escrow hold opened
//  3. Seller ships or marks the service completed
//  4. Delivery is confirmed (by the buyer or by delivery code)
//  5. Release credits the seller; refund returns funds to the buyer
//
// Every transition validates the actor and current status before touching
// money. The status change, wallet mutations, and journal commit as one
// atomic unit through Store.Transition, so a rejected or raced transition
// leaves all financial state untouched.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/pagination"
	"github.com/clearhold/clearhold/internal/syncutil"
	"github.com/clearhold/clearhold/internal/traces"
	"github.com/clearhold/clearhold/internal/validation"
	"github.com/clearhold/clearhold/internal/wallet"
)

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrShipmentNotFound  = errors.New("escrow: shipment not found")
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	ErrSellerNotFound    = errors.New("escrow: seller not found")
	ErrInvalidState      = errors.New("escrow: invalid state for this transition")
	ErrUnauthorized      = errors.New("escrow: actor not permitted")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInvalidCode       = errors.New("escrow: delivery code mismatch")
	ErrMilestoneTotal    = errors.New("escrow: milestone total exceeds escrow amount")
	ErrDisputeWindowOver = errors.New("escrow: dispute window has closed")
)

// Length limits for free-text fields.
const (
	maxDescriptionLen = 500
	maxNameLen        = 200
	maxReasonLen      = 500
)

// Status represents the state of an escrow agreement.
type Status string

const (
	StatusAwaitingFunding  Status = "awaiting_funding"
	StatusFunded           Status = "funded"
	StatusAwaitingShipment Status = "awaiting_shipment"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusAwaitingRelease  Status = "awaiting_release"
	StatusReleased         Status = "released"
	StatusCancelled        Status = "cancelled"
	StatusDisputed         Status = "disputed"
	StatusRefunded         Status = "refunded"
)

// FundingMethod is how the buyer pays: from wallet balance, or a direct
// charge through the external funding source.
type FundingMethod string

const (
	MethodWallet FundingMethod = "wallet"
	MethodDirect FundingMethod = "direct"
)

// ActorKind identifies who is driving a transition.
type ActorKind string

const (
	ActorBuyer  ActorKind = "buyer"
	ActorSeller ActorKind = "seller"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// Actor is the authenticated party invoking a transition. System has no ID.
type Actor struct {
	Kind ActorKind
	ID   string
}

func Buyer(id string) Actor  { return Actor{Kind: ActorBuyer, ID: id} }
func Seller(id string) Actor { return Actor{Kind: ActorSeller, ID: id} }
func Admin(id string) Actor  { return Actor{Kind: ActorAdmin, ID: id} }
func System() Actor          { return Actor{Kind: ActorSystem} }

// SellerRef identifies the seller at creation time, by user ID or by a
// registered email address. Exactly one field must be set.
type SellerRef struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// DisputeOutcome is an admin's ruling on a disputed escrow.
type DisputeOutcome string

const (
	OutcomeReleaseToSeller DisputeOutcome = "release_to_seller"
	OutcomeRefundToBuyer   DisputeOutcome = "refund_to_buyer"
)

// Escrow is one buyer-seller agreement. Financial record, never deleted.
type Escrow struct {
	ID             string        `json:"id"`
	BuyerID        string        `json:"buyerId"`
	SellerID       string        `json:"sellerId"`
	Currency       string        `json:"currency"`
	AmountCents    int64         `json:"amountCents"`
	FeeCents       int64         `json:"feeCents"`
	NetAmountCents int64         `json:"netAmountCents"`
	ReleasedCents  int64         `json:"releasedCents"` // paid to seller so far, milestones included
	Method         FundingMethod `json:"method"`
	BuyerWalletID  string        `json:"buyerWalletId,omitempty"`
	SellerWalletID string        `json:"sellerWalletId,omitempty"`
	Status         Status        `json:"status"`
	Description    string        `json:"description,omitempty"`

	AutoReleaseDays   int `json:"autoReleaseDays"`
	DisputeWindowDays int `json:"disputeWindowDays"`

	DisputeReason string `json:"disputeReason,omitempty"`
	Resolution    string `json:"resolution,omitempty"`

	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	ShippedAt   *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	DisputedAt  *time.Time `json:"disputedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// autoReleaseDeadline is when the sweep may release without buyer action.
func (e *Escrow) autoReleaseDeadline() *time.Time {
	if e.DeliveredAt == nil {
		return nil
	}
	t := e.DeliveredAt.AddDate(0, 0, e.AutoReleaseDays)
	return &t
}

// Store persists escrows, milestones, and shipments.
//
// Transition must persist the escrow's new state only where the current
// stored status equals from, applying the wallet mutations and journal in
// the same atomic unit. A failed precondition returns ErrInvalidState with
// nothing written; this is what serializes racing transitions.
type Store interface {
	Create(ctx context.Context, e *Escrow, milestones []*Milestone) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Transition(ctx context.Context, e *Escrow, from Status, muts []wallet.Mutation, jr *journal.Journal) error
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	ListStaleFunding(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	// TransitionMilestone follows the same compare-and-swap contract as
	// Transition; parent may be nil when no money moves.
	TransitionMilestone(ctx context.Context, m *Milestone, from MilestoneStatus, parent *Escrow, muts []wallet.Mutation, jr *journal.Journal) error

	SaveShipment(ctx context.Context, sh *Shipment) error
	DeleteShipment(ctx context.Context, escrowID string) error
	GetShipment(ctx context.Context, escrowID string) (*Shipment, error)
	GetShipmentByRef(ctx context.Context, shortRef string) (*Shipment, error)
}

// FeePolicy computes the platform fee for an escrow amount.
type FeePolicy interface {
	Fee(amountCents int64, currency string) int64
}

// BasisPointsFee charges a flat percentage in basis points.
type BasisPointsFee struct {
	Bps int64
}

func (f BasisPointsFee) Fee(amountCents int64, currency string) int64 {
	return amountCents * f.Bps / 10000
}

// FundingSource charges an external payment method for direct-funded
// escrows. Charge is called before the atomic transition; the source owns
// its own retries and idempotency by reference.
type FundingSource interface {
	Charge(ctx context.Context, reference string, amountCents int64, currency string) error
}

// UserDirectory resolves seller email references to user IDs.
type UserDirectory interface {
	ResolveByEmail(ctx context.Context, email string) (string, error)
}

// Notifier delivers fire-and-forget messages to parties. Failures are
// logged, never rolled back into the financial transition.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, data map[string]string) error
}

// EventSink receives domain events after each committed transition.
type EventSink interface {
	Publish(event Event)
}

// Event describes a committed escrow transition.
type Event struct {
	Type     string    `json:"type"`
	EscrowID string    `json:"escrowId"`
	Status   Status    `json:"status"`
	Actor    ActorKind `json:"actor"`
	At       time.Time `json:"at"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID     string             `json:"buyerId" binding:"required"`
	Seller      SellerRef          `json:"seller" binding:"required"`
	Currency    string             `json:"currency" binding:"required"`
	AmountCents int64              `json:"amountCents" binding:"required,gt=0"`
	Method      FundingMethod      `json:"method"`
	Description string             `json:"description"`
	Milestones  []MilestoneRequest `json:"milestones"`

	// Pointers keep "unset" distinguishable from an explicit 0
	// (autoReleaseDays=0 means settle immediately on delivery).
	AutoReleaseDays   *int `json:"autoReleaseDays"`
	DisputeWindowDays *int `json:"disputeWindowDays"`
}

// MilestoneRequest names a slice of the escrow amount.
type MilestoneRequest struct {
	Name        string `json:"name" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required,gt=0"`
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	wallets   *wallet.Service
	fees      FeePolicy
	funding   FundingSource
	directory UserDirectory
	notifier  Notifier
	events    EventSink
	logger    *slog.Logger

	defaultAutoReleaseDays   int
	defaultDisputeWindowDays int

	locks syncutil.ShardedMutex // per-escrow locks serializing transitions in-process
}

// NewService creates an escrow service.
func NewService(store Store, wallets *wallet.Service) *Service {
	return &Service{
		store:                    store,
		wallets:                  wallets,
		fees:                     BasisPointsFee{Bps: 500},
		logger:                   slog.Default(),
		defaultAutoReleaseDays:   7,
		defaultDisputeWindowDays: 3,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithFeePolicy replaces the default 5% fee policy.
func (s *Service) WithFeePolicy(p FeePolicy) *Service {
	s.fees = p
	return s
}

// WithFundingSource enables direct-funded escrows.
func (s *Service) WithFundingSource(f FundingSource) *Service {
	s.funding = f
	return s
}

// WithDirectory enables seller resolution by email.
func (s *Service) WithDirectory(d UserDirectory) *Service {
	s.directory = d
	return s
}

// WithNotifier adds best-effort party notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEventSink publishes committed transitions as domain events.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithDefaults overrides the fallback auto-release and dispute windows.
func (s *Service) WithDefaults(autoReleaseDays, disputeWindowDays int) *Service {
	s.defaultAutoReleaseDays = autoReleaseDays
	s.defaultDisputeWindowDays = disputeWindowDays
	return s
}

// lockEscrow acquires the per-escrow lock and returns the unlock function.
// It serializes transitions in-process; the store's status precondition
// covers races across processes.
func (s *Service) lockEscrow(id string) func() {
	return s.locks.Lock(id)
}

// Create creates a new agreement in awaiting_funding. Wallet-funded escrows
// bind both wallets and reserve the amount from the buyer's available
// balance immediately; no journal is written until funding.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.AmountCents(req.AmountCents), traces.Currency(req.Currency))
	defer span.End()

	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	currency := validation.NormalizeCurrency(req.Currency)
	if !validation.IsValidCurrency(currency) {
		return nil, fmt.Errorf("escrow: invalid currency %q", req.Currency)
	}

	sellerID, err := s.resolveSeller(ctx, req.Seller)
	if err != nil {
		return nil, err
	}
	if sellerID == req.BuyerID {
		return nil, fmt.Errorf("escrow: buyer and seller cannot be the same user")
	}

	fee := s.fees.Fee(req.AmountCents, currency)
	if fee < 0 || fee >= req.AmountCents {
		return nil, fmt.Errorf("escrow: fee %d out of range for amount %d", fee, req.AmountCents)
	}

	var milestoneTotal int64
	for _, m := range req.Milestones {
		if m.AmountCents <= 0 {
			return nil, ErrInvalidAmount
		}
		milestoneTotal += m.AmountCents
	}
	if milestoneTotal > req.AmountCents-fee {
		return nil, ErrMilestoneTotal
	}

	method := req.Method
	if method == "" {
		method = MethodWallet
	}

	now := time.Now()
	e := &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		BuyerID:           req.BuyerID,
		SellerID:          sellerID,
		Currency:          currency,
		AmountCents:       req.AmountCents,
		FeeCents:          fee,
		NetAmountCents:    req.AmountCents - fee,
		Method:            method,
		Status:            StatusAwaitingFunding,
		Description:       validation.SanitizeString(req.Description, maxDescriptionLen),
		AutoReleaseDays:   s.defaultAutoReleaseDays,
		DisputeWindowDays: s.defaultDisputeWindowDays,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.AutoReleaseDays != nil && *req.AutoReleaseDays >= 0 {
		e.AutoReleaseDays = *req.AutoReleaseDays
	}
	if req.DisputeWindowDays != nil && *req.DisputeWindowDays >= 0 {
		e.DisputeWindowDays = *req.DisputeWindowDays
	}

	if method == MethodWallet {
		if err := s.bindWallets(ctx, e); err != nil {
			return nil, err
		}
		if err := s.wallets.ReserveForEscrow(ctx, e.BuyerWalletID, e.AmountCents); err != nil {
			return nil, fmt.Errorf("failed to reserve escrow funds: %w", err)
		}
	}

	milestones := make([]*Milestone, 0, len(req.Milestones))
	for _, mr := range req.Milestones {
		milestones = append(milestones, &Milestone{
			ID:          idgen.WithPrefix("mls_"),
			EscrowID:    e.ID,
			Name:        validation.SanitizeString(mr.Name, maxNameLen),
			AmountCents: mr.AmountCents,
			Status:      MilestonePending,
			CreatedAt:   now,
		})
	}

	if err := s.store.Create(ctx, e, milestones); err != nil {
		// Best-effort: return the reservation if the record failed
		if e.BuyerWalletID != "" {
			_ = s.wallets.ReleaseReservation(ctx, e.BuyerWalletID, e.AmountCents)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	observeTransition(StatusAwaitingFunding, ActorBuyer)
	s.emit("escrow.created", e, ActorBuyer)
	return e, nil
}

// bindWallets lazily creates and attaches both parties' wallets.
func (s *Service) bindWallets(ctx context.Context, e *Escrow) error {
	buyerWallet, err := s.wallets.GetOrCreate(ctx, e.BuyerID, e.Currency)
	if err != nil {
		return fmt.Errorf("failed to bind buyer wallet: %w", err)
	}
	sellerWallet, err := s.wallets.GetOrCreate(ctx, e.SellerID, e.Currency)
	if err != nil {
		return fmt.Errorf("failed to bind seller wallet: %w", err)
	}
	e.BuyerWalletID = buyerWallet.ID
	e.SellerWalletID = sellerWallet.ID
	return nil
}

func (s *Service) resolveSeller(ctx context.Context, ref SellerRef) (string, error) {
	switch {
	case ref.ID != "" && ref.Email != "":
		return "", fmt.Errorf("escrow: seller must be referenced by id or email, not both")
	case ref.ID != "":
		return ref.ID, nil
	case ref.Email != "":
		if s.directory == nil {
			return "", fmt.Errorf("escrow: seller email lookup not configured")
		}
		if !validation.IsValidEmail(ref.Email) {
			return "", fmt.Errorf("escrow: invalid seller email")
		}
		id, err := s.directory.ResolveByEmail(ctx, ref.Email)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", ErrSellerNotFound
		}
		return id, nil
	default:
		return "", fmt.Errorf("escrow: seller reference required")
	}
}

// FundRequest carries the external charge reference for direct funding.
type FundRequest struct {
	Reference string `json:"reference"`
}

// Fund moves the escrow to funded and writes the funding journal:
// escrow_hold gains the net amount, buyer_wallet loses the gross amount,
// fees_revenue gains the fee. Wallet-funded escrows keep the existing
// reservation in the buyer's pending bucket; direct funding charges the
// external source first, then binds wallets and reserves identically.
func (s *Service) Fund(ctx context.Context, id string, actor Actor, req FundRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id), traces.Actor(string(actor.Kind)))
	defer span.End()

	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusAwaitingFunding {
		return nil, ErrInvalidState
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) && actor.Kind != ActorSystem {
		return nil, ErrUnauthorized
	}

	var muts []wallet.Mutation
	if e.Method == MethodDirect {
		if s.funding == nil {
			return nil, fmt.Errorf("escrow: no funding source configured")
		}
		ref := req.Reference
		if ref == "" {
			ref = e.ID
		}
		// External call happens before the atomic transition and never
		// inside it. A timeout here leaves the escrow untouched.
		if err := s.funding.Charge(ctx, ref, e.AmountCents, e.Currency); err != nil {
			return nil, fmt.Errorf("funding source charge failed: %w", err)
		}
		if err := s.bindWallets(ctx, e); err != nil {
			return nil, err
		}
		// The charge lands in the buyer's wallet already reserved. The
		// pending credit rides in the transition's mutation batch so a
		// failed status update leaves no money behind and a retried Fund
		// starts from a clean wallet.
		muts = []wallet.Mutation{{WalletID: e.BuyerWalletID, PendingDelta: e.AmountCents}}
	}

	now := time.Now()
	next := *e
	next.Status = StatusFunded
	next.FundedAt = &now
	next.UpdatedAt = now

	sourceAccount := journal.AccountBuyerWallet
	if e.Method == MethodDirect {
		sourceAccount = journal.AccountFundingSource
	}
	entries := []journal.Entry{
		{Account: journal.AccountEscrowHold, Currency: e.Currency, AmountCents: e.NetAmountCents},
		{Account: sourceAccount, Currency: e.Currency, AmountCents: -e.AmountCents},
	}
	if e.FeeCents > 0 {
		entries = append(entries, journal.Entry{
			Account: journal.AccountFeesRevenue, Currency: e.Currency, AmountCents: e.FeeCents,
		})
	}
	jr := journal.New(journal.TypeEscrowFunding, e.ID, "escrow funded", entries...)

	if err := s.store.Transition(ctx, &next, StatusAwaitingFunding, muts, jr); err != nil {
		return nil, err
	}

	observeTransition(StatusFunded, actor.Kind)
	s.emit("escrow.funded", &next, actor.Kind)
	s.notify(ctx, next.SellerID, "escrow_funded", map[string]string{"escrowId": next.ID})
	return &next, nil
}

// Cancel abandons an unfunded agreement, returning any reservation to the
// buyer's available balance. Valid only from awaiting_funding.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusAwaitingFunding {
		return nil, ErrInvalidState
	}
	switch {
	case actor.Kind == ActorSystem:
	case actorIs(actor, ActorBuyer, e.BuyerID):
	case actorIs(actor, ActorSeller, e.SellerID):
	case actor.Kind == ActorAdmin:
	default:
		return nil, ErrUnauthorized
	}

	now := time.Now()
	next := *e
	next.Status = StatusCancelled
	next.CancelledAt = &now
	next.UpdatedAt = now

	var muts []wallet.Mutation
	if e.Method == MethodWallet && e.BuyerWalletID != "" {
		muts = append(muts, wallet.ReleaseReserve(e.BuyerWalletID, e.AmountCents))
	}

	if err := s.store.Transition(ctx, &next, StatusAwaitingFunding, muts, nil); err != nil {
		return nil, err
	}

	observeTransition(StatusCancelled, actor.Kind)
	s.emit("escrow.cancelled", &next, actor.Kind)
	return &next, nil
}

// OpenDispute freezes a funded escrow. Either party may open one from any
// post-funding, pre-terminal state; admins resolve it. Once delivery is
// confirmed the dispute window bounds how long the parties have.
func (s *Service) OpenDispute(ctx context.Context, id string, actor Actor, reason string) (*Escrow, error) {
	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusFunded, StatusAwaitingShipment, StatusShipped, StatusDelivered, StatusAwaitingRelease:
	default:
		return nil, ErrInvalidState
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) && !actorIs(actor, ActorSeller, e.SellerID) {
		return nil, ErrUnauthorized
	}
	if e.DeliveredAt != nil && e.DisputeWindowDays > 0 {
		if time.Now().After(e.DeliveredAt.AddDate(0, 0, e.DisputeWindowDays)) {
			return nil, ErrDisputeWindowOver
		}
	}

	now := time.Now()
	from := e.Status
	next := *e
	next.Status = StatusDisputed
	next.DisputeReason = validation.SanitizeString(reason, maxReasonLen)
	next.DisputedAt = &now
	next.UpdatedAt = now

	if err := s.store.Transition(ctx, &next, from, nil, nil); err != nil {
		return nil, err
	}

	observeTransition(StatusDisputed, actor.Kind)
	s.emit("escrow.disputed", &next, actor.Kind)
	s.notify(ctx, otherParty(e, actor), "escrow_disputed", map[string]string{
		"escrowId": e.ID, "reason": next.DisputeReason,
	})
	return &next, nil
}

// ResolveDispute is the admin ruling on a disputed escrow: release the
// remainder to the seller, or refund it to the buyer.
func (s *Service) ResolveDispute(ctx context.Context, id string, actor Actor, outcome DisputeOutcome, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id))
	defer span.End()

	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, ErrInvalidState
	}
	if actor.Kind != ActorAdmin {
		return nil, ErrUnauthorized
	}

	switch outcome {
	case OutcomeReleaseToSeller:
		return s.release(ctx, e, actor, "dispute resolved: released to seller, "+reason)
	case OutcomeRefundToBuyer:
		return s.refund(ctx, e, actor, "dispute resolved: refunded to buyer, "+reason)
	default:
		return nil, fmt.Errorf("escrow: unknown dispute outcome %q", outcome)
	}
}

// ReleaseFunds pays the seller the escrow's unreleased remainder. Valid
// from delivered or awaiting_release; the caller must be the buyer or the
// system (auto-release).
func (s *Service) ReleaseFunds(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds", traces.EscrowID(id), traces.Actor(string(actor.Kind)))
	defer span.End()

	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDelivered && e.Status != StatusAwaitingRelease {
		return nil, ErrInvalidState
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) && actor.Kind != ActorSystem {
		return nil, ErrUnauthorized
	}

	return s.release(ctx, e, actor, "escrow released")
}

// RefundEscrow returns the escrow's unreleased funds to the buyer. Valid
// from any funded pre-terminal state; buyer-initiated refunds are allowed
// only before shipment, admins may refund any time.
func (s *Service) RefundEscrow(ctx context.Context, id string, actor Actor, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundEscrow", traces.EscrowID(id), traces.Actor(string(actor.Kind)))
	defer span.End()

	defer s.lockEscrow(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusFunded, StatusAwaitingShipment, StatusShipped, StatusDelivered, StatusAwaitingRelease:
	default:
		return nil, ErrInvalidState
	}
	switch {
	case actor.Kind == ActorAdmin:
	case actorIs(actor, ActorSeller, e.SellerID):
		// Seller may voluntarily refund at any point before release.
	case actorIs(actor, ActorBuyer, e.BuyerID):
		if e.Status != StatusFunded && e.Status != StatusAwaitingShipment {
			return nil, ErrUnauthorized
		}
	default:
		return nil, ErrUnauthorized
	}

	return s.refund(ctx, e, actor, reason)
}

// release commits the terminal release transition. Caller holds the escrow
// lock and has validated actor and state. The seller is paid the
// unreleased net remainder; the buyer's pending bucket is drained of the
// gross remainder (the fee portion was already booked to fees_revenue at
// funding time).
func (s *Service) release(ctx context.Context, e *Escrow, actor Actor, description string) (*Escrow, error) {
	remainderNet := e.NetAmountCents - e.ReleasedCents
	remainderGross := e.AmountCents - e.ReleasedCents
	if remainderNet < 0 {
		return nil, fmt.Errorf("escrow: released %d exceeds net %d", e.ReleasedCents, e.NetAmountCents)
	}

	now := time.Now()
	from := e.Status
	next := *e
	next.Status = StatusReleased
	next.ReleasedCents = e.NetAmountCents
	next.Resolution = string(actor.Kind) + "_release"
	next.ReleasedAt = &now
	next.UpdatedAt = now

	var muts []wallet.Mutation
	var jr *journal.Journal
	if remainderGross > 0 {
		muts = append(muts, wallet.SpendPending(e.BuyerWalletID, remainderGross))
	}
	if remainderNet > 0 {
		muts = append(muts, wallet.Credit(e.SellerWalletID, remainderNet))
		jr = journal.New(journal.TypeEscrowRelease, e.ID, description,
			journal.Entry{Account: journal.AccountEscrowHold, Currency: e.Currency, AmountCents: -remainderNet},
			journal.Entry{Account: journal.AccountSellerWallet, Currency: e.Currency, AmountCents: remainderNet},
		)
	}

	if err := s.store.Transition(ctx, &next, from, muts, jr); err != nil {
		return nil, err
	}

	observeTransition(StatusReleased, actor.Kind)
	observeSettlement("released", e.NetAmountCents)
	s.emit("escrow.released", &next, actor.Kind)
	s.notify(ctx, e.SellerID, "escrow_released", map[string]string{"escrowId": e.ID})
	return &next, nil
}

// refund commits the terminal refund transition for the unreleased
// remainder. The buyer gets the gross remainder back, fee included; fees
// already paid out through milestone releases stay released.
func (s *Service) refund(ctx context.Context, e *Escrow, actor Actor, reason string) (*Escrow, error) {
	remainderNet := e.NetAmountCents - e.ReleasedCents
	remainderGross := remainderNet + e.FeeCents
	if remainderNet < 0 {
		return nil, fmt.Errorf("escrow: released %d exceeds net %d", e.ReleasedCents, e.NetAmountCents)
	}

	now := time.Now()
	from := e.Status
	next := *e
	next.Status = StatusRefunded
	next.Resolution = string(actor.Kind) + "_refund"
	if reason != "" {
		next.DisputeReason = validation.SanitizeString(reason, maxReasonLen)
	}
	next.RefundedAt = &now
	next.UpdatedAt = now

	var muts []wallet.Mutation
	var jr *journal.Journal
	if remainderGross > 0 {
		muts = []wallet.Mutation{wallet.ReleaseReserve(e.BuyerWalletID, remainderGross)}
		entries := []journal.Entry{
			{Account: journal.AccountBuyerWallet, Currency: e.Currency, AmountCents: remainderGross},
		}
		if remainderNet > 0 {
			entries = append(entries, journal.Entry{
				Account: journal.AccountEscrowHold, Currency: e.Currency, AmountCents: -remainderNet,
			})
		}
		if e.FeeCents > 0 {
			// The fee is not charged on refund; it returns to the buyer.
			entries = append(entries, journal.Entry{
				Account: journal.AccountFeesRevenue, Currency: e.Currency, AmountCents: -e.FeeCents,
			})
		}
		jr = journal.New(journal.TypeEscrowRefund, e.ID, "escrow refunded: "+reason, entries...)
	}

	if err := s.store.Transition(ctx, &next, from, muts, jr); err != nil {
		return nil, err
	}

	observeTransition(StatusRefunded, actor.Kind)
	observeSettlement("refunded", remainderGross)
	s.emit("escrow.refunded", &next, actor.Kind)
	s.notify(ctx, e.BuyerID, "escrow_refunded", map[string]string{"escrowId": e.ID, "reason": reason})
	return &next, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is buyer or seller, newest
// first, starting after the cursor position when one is given.
func (s *Service) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, cursor, limit)
}

func actorIs(a Actor, kind ActorKind, id string) bool {
	return a.Kind == kind && a.ID == id
}

func otherParty(e *Escrow, actor Actor) string {
	if actorIs(actor, ActorBuyer, e.BuyerID) {
		return e.SellerID
	}
	return e.BuyerID
}

func (s *Service) emit(eventType string, e *Escrow, actor ActorKind) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Type:     eventType,
		EscrowID: e.ID,
		Status:   e.Status,
		Actor:    actor,
		At:       time.Now(),
	})
}

func (s *Service) notify(ctx context.Context, userID, template string, data map[string]string) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.Notify(ctx, userID, template, data); err != nil {
		s.logger.Warn("notification failed", "user", userID, "template", template, "error", err)
	}
}
