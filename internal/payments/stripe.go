package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway is the deposit flow the ride session needs: hold funds at
// unlock, capture the fare at ride end, release on abandon. The
// provider stays a black box behind this interface.
type Gateway interface {
	HoldDeposit(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	CaptureFare(ctx context.Context, paymentIntentID string, amountCents int64) error
	ReleaseDeposit(ctx context.Context, paymentIntentID string) error
}

// StripeGateway backs Gateway with Stripe PaymentIntents using
// capture_method=manual.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{}
}

func (s *StripeGateway) HoldDeposit(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// CaptureFare captures up to the held amount; a fare above the deposit
// is clamped by Stripe to the authorized amount.
func (s *StripeGateway) CaptureFare(ctx context.Context, paymentIntentID string, amountCents int64) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if amountCents > 0 {
		params.AmountToCapture = stripe.Int64(amountCents)
	}
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

func (s *StripeGateway) ReleaseDeposit(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

// Fare prices a trip from its total time: per-started-minute pricing.
func Fare(totalTripMs, perMinCents int64) int64 {
	if totalTripMs <= 0 {
		return 0
	}
	mins := totalTripMs / 60000
	if totalTripMs%60000 != 0 {
		mins++
	}
	return mins * perMinCents
}
