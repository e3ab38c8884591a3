package payments

import (
	"context"
	"errors"
)

var (
	ErrMisconfigured    = errors.New("payment gateway misconfigured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// IntentRequest asks the gateway to start collecting Amount for an order.
// OrderID doubles as the gateway idempotency key, so retrying a checkout
// never opens a second intent.
type IntentRequest struct {
	OrderID  string
	Amount   int64
	Currency string
}

type Intent struct {
	Reference    string
	ClientSecret string
}

// Gateway is the payment provider as checkout and the webhook see it.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// VerifyEvent authenticates a webhook body and decodes it. Events of kinds
	// settlement ignores come back with ErrUnhandledEvent and ID/Kind set.
	VerifyEvent(payload []byte, signature string) (Event, error)
}
