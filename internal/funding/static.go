package funding

import (
	"context"
	"fmt"
	"sync"
)

// StaticSource approves every charge and remembers it. Used in demo mode
// and tests where no payment provider is configured.
type StaticSource struct {
	mu      sync.Mutex
	charges map[string]int64 // reference -> amount
	decline bool
}

// NewStaticSource creates an always-approving source.
func NewStaticSource() *StaticSource {
	return &StaticSource{charges: make(map[string]int64)}
}

// Decline makes every subsequent charge fail.
func (s *StaticSource) Decline(on bool) {
	s.mu.Lock()
	s.decline = on
	s.mu.Unlock()
}

func (s *StaticSource) Charge(_ context.Context, reference string, amountCents int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decline {
		return fmt.Errorf("funding: charge declined")
	}
	// Idempotent per reference: a repeat charge is a no-op.
	if _, ok := s.charges[reference]; ok {
		return nil
	}
	s.charges[reference] = amountCents
	return nil
}

// Charged returns the amount charged against a reference, if any.
func (s *StaticSource) Charged(reference string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.charges[reference]
	return amount, ok
}
