package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
)

// Kind classifies a checkout failure for the caller.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindNotFound           Kind = "not_found"
	KindFailedPrecondition Kind = "failed_precondition"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindRateLimited        Kind = "rate_limited"
	KindInternal           Kind = "internal"
)

// Error is returned for every checkout failure. Shortfall is set for
// KindResourceExhausted.
type Error struct {
	Kind      Kind
	Msg       string
	Shortfall *inventory.InsufficientStockError
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindInternal for anything that is not
// an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Request is one checkout attempt. OrderID is chosen by the caller and makes
// retries idempotent.
type Request struct {
	OrderID         string
	HolderID        string
	Items           []inventory.Line
	ShippingAddress orders.Address
}

type Result struct {
	OrderID             string
	HoldStatus          holds.Status
	ExpiresAt           time.Time
	PaymentClientSecret string
	Total               int64
	Currency            string
}

// RateLimiter decides whether a caller may check out now.
type RateLimiter interface {
	Allow(ctx context.Context, holderID string) bool
}

// AllowAll is the RateLimiter used when none is configured.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) bool { return true }

// Pricing turns line items into the order's price breakdown. Amounts are
// minor currency units.
type Pricing struct {
	TaxRateBPS       int64 // tax in basis points of the subtotal
	ShippingFlat     int64
	FreeShippingOver int64 // 0 disables free shipping
}

type Quote struct {
	Subtotal int64
	Tax      int64
	Shipping int64
	Total    int64
}

func (p Pricing) Quote(items []orders.LineItem) Quote {
	var q Quote
	for _, it := range items {
		q.Subtotal += it.UnitPrice * int64(it.Quantity)
	}
	// round half up
	q.Tax = (q.Subtotal*p.TaxRateBPS + 5000) / 10000
	q.Shipping = p.ShippingFlat
	if p.FreeShippingOver > 0 && q.Subtotal >= p.FreeShippingOver {
		q.Shipping = 0
	}
	q.Total = q.Subtotal + q.Tax + q.Shipping
	return q
}
