package settlement

import (
	"context"
	"fmt"

	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
)

// Outcomes recorded on the event ledger.
const (
	OutcomeConsumed        = "consumed"
	OutcomeReleased        = "released"
	OutcomeDisputed        = "disputed"
	OutcomeRefunded        = "refunded"
	OutcomePaidWithoutHold = "paid_without_hold"
	OutcomePartialRefund   = "partial_refund_ignored"
	OutcomeNoop            = "noop"
)

// Message kinds published to the notification queue.
const (
	MsgOrderPaid         = "order.paid"
	MsgOrderCanceled     = "order.canceled"
	MsgOrderDisputed     = "order.disputed"
	MsgOrderRefunded     = "order.refunded"
	AlertIntegrity       = "settlement.integrity_violation"
	AlertFailed          = "settlement.failed"
	AlertPaidWithoutHold = "settlement.paid_without_hold"
)

// IntegrityError means a payment event disagrees with the order it points
// at. Nothing is written when it is returned.
type IntegrityError struct {
	OrderID  string
	Field    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("order %s: %s mismatch: expected %s, got %s", e.OrderID, e.Field, e.Expected, e.Actual)
}

// Notifier publishes settlement messages and operator alerts.
type Notifier interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// Orders is the order store as settlement uses it.
type Orders interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	GetByPaymentReference(ctx context.Context, reference string) (*orders.Order, error)
	Transition(ctx context.Context, orderID string, to orders.Status, guard func(*orders.Order) error) (*orders.Order, error)
}

// Holds is the hold state machine as settlement uses it.
type Holds interface {
	Consume(ctx context.Context, holdID string) (bool, error)
	Release(ctx context.Context, holdID, restockSeed string) (bool, error)
	RestockFromConsumed(ctx context.Context, holdID string) (bool, error)
}

type orderMessage struct {
	OrderID          string `json:"order_id"`
	HolderID         string `json:"holder_id,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Total            int64  `json:"total,omitempty"`
	Currency         string `json:"currency,omitempty"`
	EventID          string `json:"event_id"`
	Note             string `json:"note,omitempty"`
}
