package escrow

import (
	"context"
	"time"

	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/wallet"
)

// MilestoneStatus moves pending → completed → released, never backward.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneReleased  MilestoneStatus = "released"
)

// Milestone is a named slice of the parent escrow's net amount, releasable
// to the seller independently of the final release. Released funds come out
// of the escrow's already-held pool; the buyer is never re-debited.
type Milestone struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	Name        string          `json:"name"`
	AmountCents int64           `json:"amountCents"`
	Status      MilestoneStatus `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	ReleasedAt  *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Milestones returns an escrow's milestones, oldest first.
func (s *Service) Milestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	return s.store.ListMilestones(ctx, escrowID)
}

// CompleteMilestone marks work done on a milestone. Buyer only, from
// pending. No money moves.
func (s *Service) CompleteMilestone(ctx context.Context, milestoneID string, actor Actor) (*Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	defer s.lockEscrow(m.EscrowID)()

	m, err = s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, m.EscrowID)
	if err != nil {
		return nil, err
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) {
		return nil, ErrUnauthorized
	}
	if m.Status != MilestonePending {
		return nil, ErrInvalidState
	}

	now := time.Now()
	next := *m
	next.Status = MilestoneCompleted
	next.CompletedAt = &now

	if err := s.store.TransitionMilestone(ctx, &next, MilestonePending, nil, nil, nil); err != nil {
		return nil, err
	}
	return &next, nil
}

// ReleaseMilestone pays a completed milestone's amount to the seller out of
// the escrow hold and advances the parent's released total. The remaining
// final release shrinks by the same amount, so milestone releases and the
// parent's own release can never pay out more than the escrow's net amount.
func (s *Service) ReleaseMilestone(ctx context.Context, milestoneID string, actor Actor) (*Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	defer s.lockEscrow(m.EscrowID)()

	m, err = s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, m.EscrowID)
	if err != nil {
		return nil, err
	}
	if !actorIs(actor, ActorBuyer, e.BuyerID) && actor.Kind != ActorAdmin {
		return nil, ErrUnauthorized
	}
	if m.Status != MilestoneCompleted {
		return nil, ErrInvalidState
	}
	switch e.Status {
	case StatusFunded, StatusAwaitingShipment, StatusShipped, StatusDelivered, StatusAwaitingRelease:
	default:
		return nil, ErrInvalidState
	}
	if e.ReleasedCents+m.AmountCents > e.NetAmountCents {
		return nil, ErrMilestoneTotal
	}

	now := time.Now()
	next := *m
	next.Status = MilestoneReleased
	next.ReleasedAt = &now

	parent := *e
	parent.ReleasedCents += m.AmountCents
	parent.UpdatedAt = now

	muts := []wallet.Mutation{
		wallet.SpendPending(e.BuyerWalletID, m.AmountCents),
		wallet.Credit(e.SellerWalletID, m.AmountCents),
	}
	jr := journal.New(journal.TypeEscrowRelease, e.ID, "milestone released: "+m.Name,
		journal.Entry{Account: journal.AccountEscrowHold, Currency: e.Currency, AmountCents: -m.AmountCents},
		journal.Entry{Account: journal.AccountSellerWallet, Currency: e.Currency, AmountCents: m.AmountCents},
	)

	if err := s.store.TransitionMilestone(ctx, &next, MilestoneCompleted, &parent, muts, jr); err != nil {
		return nil, err
	}

	observeSettlement("milestone_released", m.AmountCents)
	s.emit("escrow.milestone_released", &parent, actor.Kind)
	s.notify(ctx, e.SellerID, "milestone_released", map[string]string{
		"escrowId": e.ID, "milestone": m.Name,
	})
	return &next, nil
}
