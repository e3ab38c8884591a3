package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the gateway's event type string.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_intent.succeeded"
	KindPaymentFailed    Kind = "payment_intent.payment_failed"
	KindDisputeCreated   Kind = "charge.dispute.created"
	KindChargeRefunded   Kind = "charge.refunded"
)

var (
	// ErrUnhandledEvent is returned for well-formed events of a kind settlement
	// does not act on. They are acknowledged and dropped.
	ErrUnhandledEvent = errors.New("unhandled event kind")
	ErrMalformedEvent = errors.New("malformed event payload")
)

// Event is a verified gateway event. Payload is one of *PaymentSucceeded,
// *PaymentFailed, *DisputeCreated or *ChargeRefunded.
type Event struct {
	ID      string
	Kind    Kind
	Created time.Time
	Payload Payload
}

type Payload interface {
	// Reference is the payment intent id the event is about.
	Reference() string
}

type PaymentSucceeded struct {
	IntentID string
	OrderID  string
	Amount   int64 // amount received, minor units
	Currency string
}

type PaymentFailed struct {
	IntentID string
	OrderID  string
	Reason   string
}

type DisputeCreated struct {
	DisputeID string
	IntentRef string
	Reason    string
}

type ChargeRefunded struct {
	ChargeID       string
	IntentRef      string
	Amount         int64
	AmountRefunded int64
	// Full is true once the whole charge has been refunded.
	Full bool
}

func (p *PaymentSucceeded) Reference() string { return p.IntentID }
func (p *PaymentFailed) Reference() string    { return p.IntentID }
func (p *DisputeCreated) Reference() string   { return p.IntentRef }
func (p *ChargeRefunded) Reference() string   { return p.IntentRef }

type intentObject struct {
	ID             string            `json:"id"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	LastError      *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type disputeObject struct {
	ID            string          `json:"id"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
	Reason        string          `json:"reason"`
}

type chargeObject struct {
	ID             string          `json:"id"`
	PaymentIntent  json.RawMessage `json:"payment_intent"`
	Amount         int64           `json:"amount"`
	AmountRefunded int64           `json:"amount_refunded"`
	Refunded       bool            `json:"refunded"`
}

// Parse decodes the data object of an event of the given kind.
func Parse(kind Kind, object json.RawMessage) (Payload, error) {
	switch kind {
	case KindPaymentSucceeded, KindPaymentFailed:
		var pi intentObject
		if err := json.Unmarshal(object, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("%w: payment intent without id", ErrMalformedEvent)
		}
		if kind == KindPaymentFailed {
			p := &PaymentFailed{IntentID: pi.ID, OrderID: pi.Metadata["order_id"]}
			if pi.LastError != nil {
				p.Reason = pi.LastError.Message
			}
			return p, nil
		}
		return &PaymentSucceeded{
			IntentID: pi.ID,
			OrderID:  pi.Metadata["order_id"],
			Amount:   pi.AmountReceived,
			Currency: pi.Currency,
		}, nil

	case KindDisputeCreated:
		var d disputeObject
		if err := json.Unmarshal(object, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ref, _ := ExtractReference(d.PaymentIntent)
		return &DisputeCreated{DisputeID: d.ID, IntentRef: ref, Reason: d.Reason}, nil

	case KindChargeRefunded:
		var c chargeObject
		if err := json.Unmarshal(object, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ref, _ := ExtractReference(c.PaymentIntent)
		return &ChargeRefunded{
			ChargeID:       c.ID,
			IntentRef:      ref,
			Amount:         c.Amount,
			AmountRefunded: c.AmountRefunded,
			Full:           c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, kind)
}

// ExtractReference reads a payment intent reference that the gateway sends
// either as a bare id or as an expanded object carrying an "id".
func ExtractReference(v json.RawMessage) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(v, &id); err == nil {
		return id, id != ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(v, &obj); err == nil {
		return obj.ID, obj.ID != ""
	}
	return "", false
}
