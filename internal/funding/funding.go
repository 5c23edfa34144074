// Package funding charges external payment methods for direct-funded
// escrows. Sources sit behind the escrow service's FundingSource port;
// every charge here happens before the escrow's atomic transition, so a
// failed or timed-out charge leaves no financial state behind.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/circuitbreaker"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/retry"
)

// ErrUnavailable is returned when the circuit to the payment provider is
// open and charges are being rejected without being attempted.
var ErrUnavailable = errors.New("funding: payment provider unavailable")

// Source charges a payment method identified by reference. Implementations
// must be idempotent per reference: charging the same reference twice may
// not move money twice.
type Source interface {
	Charge(ctx context.Context, reference string, amountCents int64, currency string) error
}

// Resilient wraps a Source with retries and a circuit breaker. Declines
// are permanent and never retried; provider outages trip the circuit so
// funding attempts fail fast instead of piling up.
type Resilient struct {
	inner    Source
	breaker  *circuitbreaker.Breaker
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

const breakerKey = "funding"

// NewResilient wraps src with 3 retry attempts and a 5-failure breaker.
func NewResilient(src Source, logger *slog.Logger) *Resilient {
	return &Resilient{
		inner:    src,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		delay:    500 * time.Millisecond,
		logger:   logger,
	}
}

func (r *Resilient) Charge(ctx context.Context, reference string, amountCents int64, currency string) error {
	if !r.breaker.Allow(breakerKey) {
		metrics.FundingChargesTotal.WithLabelValues("rejected").Inc()
		return ErrUnavailable
	}

	err := retry.Do(ctx, r.attempts, r.delay, func() error {
		return r.inner.Charge(ctx, reference, amountCents, currency)
	})
	if err != nil {
		r.breaker.RecordFailure(breakerKey)
		metrics.FundingChargesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("funding charge failed",
			"reference", reference,
			"amountCents", amountCents,
			"currency", currency,
			"error", err,
		)
		return fmt.Errorf("funding: charge %s failed: %w", reference, err)
	}

	r.breaker.RecordSuccess(breakerKey)
	metrics.FundingChargesTotal.WithLabelValues("succeeded").Inc()
	return nil
}
