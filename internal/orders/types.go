package orders

import (
	"errors"
	"fmt"
	"time"
)

type Status string

// Order statuses
const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	StatusCanceled  Status = "canceled"
)

var (
	ErrOrderExists   = errors.New("order already exists")
	ErrOrderNotFound = errors.New("order not found")
	// ErrStatusMismatch matches every *StatusMismatchError.
	ErrStatusMismatch = errors.New("status mismatch")
)

// StatusMismatchError is returned when an order is not in a status the
// requested transition can start from.
type StatusMismatchError struct {
	OrderID string
	Actual  Status
	To      Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("order %s: cannot move %s -> %s", e.OrderID, e.Actual, e.To)
}

func (e *StatusMismatchError) Is(target error) bool { return target == ErrStatusMismatch }

var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCanceled},
	StatusPaid:      {StatusFulfilled, StatusDisputed, StatusRefunded},
	StatusFulfilled: {StatusDisputed, StatusRefunded},
	StatusDisputed:  {StatusRefunded},
}

// CanTransition reports whether from -> to is a valid order edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LineItem is a purchased product priced at checkout time.
type LineItem struct {
	ProductID string `dynamodbav:"product_id" json:"product_id"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
	UnitPrice int64  `dynamodbav:"unit_price" json:"unit_price"`
}

type Address struct {
	Name       string `dynamodbav:"name" json:"name"`
	Line1      string `dynamodbav:"line1" json:"line1"`
	Line2      string `dynamodbav:"line2,omitempty" json:"line2,omitempty"`
	City       string `dynamodbav:"city" json:"city"`
	Region     string `dynamodbav:"region,omitempty" json:"region,omitempty"`
	PostalCode string `dynamodbav:"postal_code" json:"postal_code"`
	Country    string `dynamodbav:"country" json:"country"`
}

// Order represents the item stored in the Orders DynamoDB table. Amounts are
// integer minor units of Currency.
type Order struct {
	OrderID          string     `dynamodbav:"order_id"` // PK
	HolderID         string     `dynamodbav:"holder_id"`
	HoldID           string     `dynamodbav:"hold_id"`
	Status           Status     `dynamodbav:"status"`
	Items            []LineItem `dynamodbav:"items"`
	Subtotal         int64      `dynamodbav:"subtotal"`
	Tax              int64      `dynamodbav:"tax"`
	Shipping         int64      `dynamodbav:"shipping"`
	Total            int64      `dynamodbav:"total"`
	Currency         string     `dynamodbav:"currency"`
	PaymentReference string     `dynamodbav:"payment_reference"` // GSI hash key, immutable
	ShippingAddress  Address    `dynamodbav:"shipping_address"`
	CreatedAt        time.Time  `dynamodbav:"created_at"`
	UpdatedAt        time.Time  `dynamodbav:"updated_at"`
	PaidAt           *time.Time `dynamodbav:"paid_at,omitempty"`
	CanceledAt       *time.Time `dynamodbav:"canceled_at,omitempty"`
	DisputedAt       *time.Time `dynamodbav:"disputed_at,omitempty"`
	RefundedAt       *time.Time `dynamodbav:"refunded_at,omitempty"`
	FulfilledAt      *time.Time `dynamodbav:"fulfilled_at,omitempty"`
}
