package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testSecret = "whsec_test"

func sign(payload string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

func TestNewStripe_RequiresCredentials(t *testing.T) {
	if _, err := NewStripe("", testSecret); !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
	if _, err := NewStripe("sk_test", ""); !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestVerifyEvent(t *testing.T) {
	gw, err := NewStripe("sk_test", testSecret)
	if err != nil {
		t.Fatalf("new stripe: %v", err)
	}

	body := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1700000000,
		"data":{"object":{"id":"pi_1","object":"payment_intent","amount_received":4200,"currency":"usd","metadata":{"order_id":"o1"}}}}`
	ev, err := gw.VerifyEvent([]byte(body), sign(body))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.ID != "evt_1" || ev.Kind != KindPaymentSucceeded {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ps, ok := ev.Payload.(*PaymentSucceeded); !ok || ps.OrderID != "o1" || ps.Amount != 4200 {
		t.Fatalf("unexpected payload %+v", ev.Payload)
	}

	if _, err := gw.VerifyEvent([]byte(body), "t=1,v1=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	other := `{"id":"evt_2","object":"event","type":"customer.created","created":1700000000,"data":{"object":{"id":"cus_1"}}}`
	ev, err = gw.VerifyEvent([]byte(other), sign(other))
	if !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
	if ev.ID != "evt_2" {
		t.Fatalf("unhandled event must still carry its id, got %+v", ev)
	}
}

func TestCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "checkout-o1" {
			t.Errorf("expected idempotency key checkout-o1, got %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "4200" || r.PostForm.Get("currency") != "usd" || r.PostForm.Get("metadata[order_id]") != "o1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret_abc"}`))
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		EnableTelemetry:   stripe.Bool(false),
	})
	gw, err := NewStripe("sk_test", testSecret, WithBackend(backend))
	if err != nil {
		t.Fatalf("new stripe: %v", err)
	}

	in, err := gw.CreateIntent(context.Background(), IntentRequest{OrderID: "o1", Amount: 4200, Currency: "usd"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if in.Reference != "pi_123" || in.ClientSecret != "pi_123_secret_abc" {
		t.Fatalf("unexpected intent %+v", in)
	}
}
