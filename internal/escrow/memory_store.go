package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/pagination"
	"github.com/clearhold/clearhold/internal/wallet"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Wallet mutations and journals route through the shared wallet and
// journal stores so balances stay consistent with the postgres layout.
type MemoryStore struct {
	escrows    map[string]*Escrow
	milestones map[string]*Milestone
	shipments  map[string]*Shipment // by escrow ID
	byShortRef map[string]string    // shortRef -> escrow ID
	wallets    wallet.Store
	journals   journal.Store
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore(wallets wallet.Store, journals journal.Store) *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string]*Milestone),
		shipments:  make(map[string]*Shipment),
		byShortRef: make(map[string]string),
		wallets:    wallets,
		journals:   journals,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.FundedAt = copyTime(e.FundedAt)
	cp.ShippedAt = copyTime(e.ShippedAt)
	cp.DeliveredAt = copyTime(e.DeliveredAt)
	cp.DisputedAt = copyTime(e.DisputedAt)
	cp.ReleasedAt = copyTime(e.ReleasedAt)
	cp.RefundedAt = copyTime(e.RefundedAt)
	cp.CancelledAt = copyTime(e.CancelledAt)
	return &cp
}

func copyMilestone(m *Milestone) *Milestone {
	cp := *m
	cp.CompletedAt = copyTime(m.CompletedAt)
	cp.ReleasedAt = copyTime(m.ReleasedAt)
	return &cp
}

func copyShipment(sh *Shipment) *Shipment {
	cp := *sh
	cp.DeliveredAt = copyTime(sh.DeliveredAt)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	for _, ms := range milestones {
		m.milestones[ms.ID] = copyMilestone(ms)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status, muts []wallet.Mutation, jr *journal.Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrInvalidState
	}
	if err := m.applyMoney(ctx, muts, jr); err != nil {
		return err
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

// applyMoney routes wallet mutations and the journal to their stores. The
// wallet store rejects the whole batch on any overdraft, so a failed
// transition leaves balances untouched.
func (m *MemoryStore) applyMoney(ctx context.Context, muts []wallet.Mutation, jr *journal.Journal) error {
	if len(muts) > 0 {
		return m.wallets.Apply(ctx, muts, jr)
	}
	if jr != nil {
		return m.journals.Append(ctx, jr)
	}
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID != userID && e.SellerID != userID {
			continue
		}
		if cursor != nil && !beforeCursor(e, cursor) {
			continue
		}
		result = append(result, copyEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(e *Escrow, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusDelivered && e.Status != StatusAwaitingRelease {
			continue
		}
		deadline := e.autoReleaseDeadline()
		if deadline == nil || now.Before(*deadline) {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStaleFunding(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusAwaitingFunding && e.CreatedAt.Before(before) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return copyMilestone(ms), nil
}

func (m *MemoryStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.EscrowID == escrowID {
			result = append(result, copyMilestone(ms))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) TransitionMilestone(ctx context.Context, ms *Milestone, from MilestoneStatus, parent *Escrow, muts []wallet.Mutation, jr *journal.Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.milestones[ms.ID]
	if !ok {
		return ErrMilestoneNotFound
	}
	if stored.Status != from {
		return ErrInvalidState
	}
	if err := m.applyMoney(ctx, muts, jr); err != nil {
		return err
	}
	m.milestones[ms.ID] = copyMilestone(ms)
	if parent != nil {
		m.escrows[parent.ID] = copyEscrow(parent)
	}
	return nil
}

func (m *MemoryStore) SaveShipment(ctx context.Context, sh *Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, taken := m.byShortRef[sh.ShortRef]; taken && owner != sh.EscrowID {
		return ErrShortRefTaken
	}
	if prev, ok := m.shipments[sh.EscrowID]; ok && prev.ShortRef != sh.ShortRef {
		delete(m.byShortRef, prev.ShortRef)
	}
	m.shipments[sh.EscrowID] = copyShipment(sh)
	m.byShortRef[sh.ShortRef] = sh.EscrowID
	return nil
}

func (m *MemoryStore) DeleteShipment(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh, ok := m.shipments[escrowID]
	if !ok {
		return nil
	}
	delete(m.byShortRef, sh.ShortRef)
	delete(m.shipments, escrowID)
	return nil
}

func (m *MemoryStore) GetShipment(ctx context.Context, escrowID string) (*Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sh, ok := m.shipments[escrowID]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	return copyShipment(sh), nil
}

func (m *MemoryStore) GetShipmentByRef(ctx context.Context, shortRef string) (*Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byShortRef[shortRef]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	return copyShipment(m.shipments[id]), nil
}
