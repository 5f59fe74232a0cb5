// Package payments verifies Stripe payment intents and converts captured
// amounts into paid credit grants.
package payments

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// DefaultCreditsPerCent is the conversion rate applied when none is
// configured: each cent of a captured payment buys ten credits.
const DefaultCreditsPerCent int64 = 10

// ErrPaymentNotCaptured is returned when the referenced payment intent has
// not succeeded, so no credits may be granted for it.
var ErrPaymentNotCaptured = errors.New("payment intent is not captured")

// Processor resolves payment intents against Stripe.
type Processor struct {
	client         *client.API
	creditsPerCent int64
}

// NewProcessor returns a Processor bound to the given secret key.
func NewProcessor(apiKey string, creditsPerCent int64) (*Processor, error) {
	if apiKey == "" {
		return nil, errors.New("payments: stripe api key is required")
	}
	if creditsPerCent <= 0 {
		creditsPerCent = DefaultCreditsPerCent
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Processor{client: api, creditsPerCent: creditsPerCent}, nil
}

// Capture is the outcome of verifying a payment intent.
type Capture struct {
	PaymentIntentID string
	AmountCents     int64
	Credits         int64
}

// VerifyCapture loads the payment intent and reports the credits its
// captured amount is worth. Intents that have not succeeded yield
// ErrPaymentNotCaptured.
func (processor *Processor) VerifyCapture(paymentIntentID string) (Capture, error) {
	if paymentIntentID == "" {
		return Capture{}, errors.New("payments: payment intent id is required")
	}
	intent, err := processor.client.PaymentIntents.Get(paymentIntentID, nil)
	if err != nil {
		return Capture{}, fmt.Errorf("payments: fetch payment intent: %w", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return Capture{}, fmt.Errorf("%w: status %s", ErrPaymentNotCaptured, intent.Status)
	}
	return Capture{
		PaymentIntentID: intent.ID,
		AmountCents:     intent.AmountReceived,
		Credits:         intent.AmountReceived * processor.creditsPerCent,
	}, nil
}
