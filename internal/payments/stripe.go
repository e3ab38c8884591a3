package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Stripe implements Gateway on the Stripe API.
type Stripe struct {
	intents       *paymentintent.Client
	webhookSecret string
	tolerance     time.Duration
}

type StripeOption func(*Stripe)

// WithBackend replaces the API backend, e.g. to point at a test server.
func WithBackend(b stripe.Backend) StripeOption {
	return func(s *Stripe) { s.intents.B = b }
}

// WithTolerance sets how old a signed webhook may be.
func WithTolerance(d time.Duration) StripeOption {
	return func(s *Stripe) { s.tolerance = d }
}

func NewStripe(apiKey, webhookSecret string, opts ...StripeOption) (*Stripe, error) {
	if apiKey == "" || webhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe api key and webhook secret are required", ErrMisconfigured)
	}
	s := &Stripe{
		intents:       &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey},
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.SetIdempotencyKey("checkout-" + req.OrderID)

	pi, err := s.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return Intent{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) VerifyEvent(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: ev.ID, Kind: Kind(ev.Type), Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data == nil {
		return out, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, ev.ID)
	}
	out.Payload, err = Parse(out.Kind, ev.Data.Raw)
	if err != nil && !errors.Is(err, ErrUnhandledEvent) {
		return out, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return out, err
}
