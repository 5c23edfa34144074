package journal

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory journal store for demo/development mode.
type MemoryStore struct {
	journals []*Journal
	byID     map[string]*Journal
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Journal)}
}

func (m *MemoryStore) Append(ctx context.Context, j *Journal) error {
	if err := j.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyJournal(j)
	m.journals = append(m.journals, cp)
	m.byID[cp.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Journal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJournal(j), nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Journal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Journal
	for _, j := range m.journals {
		if j.EscrowID == escrowID {
			result = append(result, copyJournal(j))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Journal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Journal
	for i := len(m.journals) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyJournal(m.journals[i]))
	}
	return result, nil
}

// copyJournal deep-copies so callers cannot mutate committed entries.
func copyJournal(j *Journal) *Journal {
	cp := *j
	cp.Entries = make([]Entry, len(j.Entries))
	copy(cp.Entries, j.Entries)
	return &cp
}
