package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clearhold/clearhold/internal/wallet"
)

// Timer is the periodic sweep: it auto-releases eligible escrows, cancels
// abandoned unfunded ones, and settles matured wallet top-up holds.
type Timer struct {
	service    *Service
	store      Store
	wallets    *wallet.Service
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates the sweep. staleAfter is how long an escrow may sit in
// awaiting_funding before the sweep cancels it.
func NewTimer(service *Service, store Store, wallets *wallet.Service, interval, staleAfter time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:    service,
		store:      store,
		wallets:    wallets,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := time.Now()
	t.releaseDue(ctx, now)
	t.cancelStale(ctx, now)
	t.settleHolds(ctx, now)
}

// releaseDue releases escrows whose auto-release deadline has passed.
// Disputed escrows never appear in the list; a manual release racing the
// sweep loses cleanly on the status precondition.
func (t *Timer) releaseDue(ctx context.Context, now time.Time) {
	due, err := t.store.ListAutoReleasable(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}

	for _, e := range due {
		if _, err := t.service.ReleaseFunds(ctx, e.ID, System()); err != nil {
			t.logger.Warn("failed to auto-release escrow", "escrowId", e.ID, "error", err)
			continue
		}
		autoReleasesTotal.Inc()
		t.logger.Info("auto-released escrow",
			"escrowId", e.ID,
			"seller", e.SellerID,
			"netAmountCents", e.NetAmountCents,
		)
	}
}

// cancelStale drives abandoned unfunded escrows to cancellation, returning
// any reservation to the buyer.
func (t *Timer) cancelStale(ctx context.Context, now time.Time) {
	if t.staleAfter <= 0 {
		return
	}
	stale, err := t.store.ListStaleFunding(ctx, now.Add(-t.staleAfter), 100)
	if err != nil {
		t.logger.Warn("failed to list stale unfunded escrows", "error", err)
		return
	}

	for _, e := range stale {
		if _, err := t.service.Cancel(ctx, e.ID, System()); err != nil {
			t.logger.Warn("failed to cancel stale escrow", "escrowId", e.ID, "error", err)
			continue
		}
		t.logger.Info("cancelled stale unfunded escrow", "escrowId", e.ID, "createdAt", e.CreatedAt)
	}
}

func (t *Timer) settleHolds(ctx context.Context, now time.Time) {
	if t.wallets == nil {
		return
	}
	n, err := t.wallets.SettleDueHolds(ctx, now)
	if err != nil {
		t.logger.Warn("failed to settle wallet holds", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("settled wallet top-up holds", "count", n)
	}
}
