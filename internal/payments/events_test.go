package payments

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractReference(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{name: "bare id", raw: `"pi_123"`, want: "pi_123", ok: true},
		{name: "expanded object", raw: `{"id":"pi_456","object":"payment_intent"}`, want: "pi_456", ok: true},
		{name: "null", raw: `null`},
		{name: "empty string", raw: `""`},
		{name: "object without id", raw: `{"object":"payment_intent"}`},
		{name: "number", raw: `42`},
		{name: "absent", raw: ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractReference(json.RawMessage(tc.raw))
			if got != tc.want || ok != tc.ok {
				t.Fatalf("ExtractReference(%s) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParse(t *testing.T) {
	p, err := Parse(KindPaymentSucceeded, json.RawMessage(`{"id":"pi_1","amount_received":4200,"currency":"usd","metadata":{"order_id":"o1"}}`))
	if err != nil {
		t.Fatalf("parse succeeded: %v", err)
	}
	ps, ok := p.(*PaymentSucceeded)
	if !ok || ps.OrderID != "o1" || ps.Amount != 4200 || ps.Currency != "usd" || ps.Reference() != "pi_1" {
		t.Fatalf("unexpected payload %+v", p)
	}

	p, err = Parse(KindPaymentFailed, json.RawMessage(`{"id":"pi_2","metadata":{"order_id":"o2"},"last_payment_error":{"message":"card declined"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pf := p.(*PaymentFailed); pf.OrderID != "o2" || pf.Reason != "card declined" {
		t.Fatalf("unexpected payload %+v", pf)
	}

	p, err = Parse(KindDisputeCreated, json.RawMessage(`{"id":"dp_1","payment_intent":{"id":"pi_3"},"reason":"fraudulent"}`))
	if err != nil {
		t.Fatalf("parse dispute: %v", err)
	}
	if p.Reference() != "pi_3" {
		t.Fatalf("expected reference from expanded object, got %q", p.Reference())
	}

	p, err = Parse(KindChargeRefunded, json.RawMessage(`{"id":"ch_1","payment_intent":"pi_4","amount":1000,"amount_refunded":400,"refunded":false}`))
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	if r := p.(*ChargeRefunded); r.Full || r.Reference() != "pi_4" || r.AmountRefunded != 400 {
		t.Fatalf("expected partial refund on pi_4, got %+v", r)
	}
	p, _ = Parse(KindChargeRefunded, json.RawMessage(`{"id":"ch_1","payment_intent":"pi_4","amount":1000,"amount_refunded":1000}`))
	if !p.(*ChargeRefunded).Full {
		t.Fatalf("refund of the whole amount must be full")
	}

	if _, err := Parse("customer.created", json.RawMessage(`{}`)); !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
	if _, err := Parse(KindPaymentSucceeded, json.RawMessage(`{"amount_received":1}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}
