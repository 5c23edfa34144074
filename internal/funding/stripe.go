package funding

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/clearhold/clearhold/internal/retry"
)

// StripeSource charges saved payment methods through Stripe payment
// intents. The escrow ID doubles as the idempotency key, so a retried
// funding call can never double-charge.
type StripeSource struct {
	api *client.API
}

// NewStripeSource creates a Stripe-backed funding source.
func NewStripeSource(apiKey string) *StripeSource {
	return &StripeSource{api: client.New(apiKey, nil)}
}

func (s *StripeSource) Charge(ctx context.Context, reference string, amountCents int64, currency string) error {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(strings.ToLower(currency)),
		PaymentMethod: stripe.String(reference),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(reference)

	_, err := s.api.PaymentIntents.New(params)
	if err != nil {
		// Declines are the cardholder's problem, not the provider's;
		// retrying them is pointless.
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}
