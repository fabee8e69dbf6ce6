package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/transport-broker/internal/models"
)

// Provider is the payment surface the order service drives: hold on
// confirmation, capture on delivery, release on cancellation.
type Provider interface {
	HoldForOrder(ctx context.Context, o *models.Order) (string, error)
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// HoldForOrder creates a manual-capture PaymentIntent for the order's
// gross price and returns the PaymentIntent id.
func (s *StripeClient) HoldForOrder(ctx context.Context, o *models.Order) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(euroCents(o.PriceGross)),
		Currency: stripe.String(string(stripe.CurrencyEUR)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("order_id", fmt.Sprintf("%d", o.ID))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Capture(paymentRef, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Cancel(paymentRef, nil)
	return err
}

// euroCents converts a gross euro amount to Stripe's integer cents.
func euroCents(eur float64) int64 {
	return int64(math.Round(eur * 100))
}
