package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/journal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet // by wallet ID
	byUser   map[string]string  // "userID:currency" -> wallet ID
	holds    map[string]*Hold
	journals journal.Store
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store. Journals produced by
// Apply are appended to the given journal store.
func NewMemoryStore(journals journal.Store) *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		byUser:   make(map[string]string),
		holds:    make(map[string]*Hold),
		journals: journals,
	}
}

func userKey(userID, currency string) string {
	return userID + ":" + currency
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	return &cp
}

func copyHold(h *Hold) *Hold {
	cp := *h
	if h.SettledAt != nil {
		t := *h.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, w *Wallet) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUser[userKey(w.UserID, w.Currency)]; ok {
		return copyWallet(m.wallets[id]), nil
	}
	cp := copyWallet(w)
	m.wallets[cp.ID] = cp
	m.byUser[userKey(cp.UserID, cp.Currency)] = cp.ID
	return copyWallet(cp), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userKey(userID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWallet(m.wallets[id]), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if w.UserID == userID {
			result = append(result, copyWallet(w))
		}
	}
	return result, nil
}

// Apply checks every mutation against the non-negative invariant before
// committing any of them, so a rejected call leaves all wallets untouched.
func (m *MemoryStore) Apply(ctx context.Context, muts []Mutation, jr *journal.Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.applyLocked(muts, jr)
}

func (m *MemoryStore) applyLocked(muts []Mutation, jr *journal.Journal) error {
	type change struct {
		w                  *Wallet
		available, pending int64
	}
	changes := make([]change, 0, len(muts))
	for _, mut := range muts {
		w, ok := m.wallets[mut.WalletID]
		if !ok {
			return ErrNotFound
		}
		avail := w.AvailableCents + mut.AvailableDelta
		pend := w.PendingCents + mut.PendingDelta
		if avail < 0 || pend < 0 {
			return ErrInsufficientFunds
		}
		changes = append(changes, change{w: w, available: avail, pending: pend})
	}

	if jr != nil {
		if err := m.journals.Append(context.Background(), jr); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, c := range changes {
		c.w.AvailableCents = c.available
		c.w.PendingCents = c.pending
		c.w.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) AddHold(ctx context.Context, h *Hold, jr *journal.Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.applyLocked([]Mutation{{WalletID: h.WalletID, PendingDelta: h.AmountCents}}, jr); err != nil {
		return err
	}
	m.holds[h.ID] = copyHold(h)
	return nil
}

func (m *MemoryStore) SettleHold(ctx context.Context, holdID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok || h.SettledAt != nil {
		return nil, ErrHoldNotFound
	}
	if err := m.applyLocked([]Mutation{ReleaseReserve(h.WalletID, h.AmountCents)}, nil); err != nil {
		return nil, err
	}
	now := time.Now()
	h.SettledAt = &now
	return copyHold(h), nil
}

func (m *MemoryStore) DueHolds(ctx context.Context, now time.Time) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Hold
	for _, h := range m.holds {
		if h.SettledAt == nil && !h.ReleaseAt.After(now) {
			due = append(due, copyHold(h))
		}
	}
	return due, nil
}
