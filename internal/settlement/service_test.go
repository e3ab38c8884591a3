package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-sharded-checkout/internal/catalog"
	"github.com/imrishuroy/go-sharded-checkout/internal/dynamotest"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/idempotency"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
	"github.com/imrishuroy/go-sharded-checkout/internal/payments"
)

type captureNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (c *captureNotifier) Publish(ctx context.Context, kind string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *captureNotifier) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	fake    *dynamotest.Fake
	svc     *Service
	orders  *orders.Store
	holds   *holds.Machine
	engine  *inventory.Engine
	ledger  *idempotency.Store
	notices *captureNotifier
}

const stockUnits = 5

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := dynamotest.NewStorefront()
	products := catalog.NewStore(fake, dynamotest.ProductsTable, dynamotest.ShardsTable)
	err := products.Seed(context.Background(), catalog.Product{
		ProductID: "p1", Name: "Widget", Active: true, ShardCount: 1, UnitPrice: 1500, Currency: "usd",
	}, stockUnits)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	log := zerolog.Nop()
	engine := inventory.NewEngine(fake, dynamotest.ShardsTable, products, log)
	machine := holds.NewMachine(holds.NewStore(fake, dynamotest.HoldsTable, dynamotest.HoldsByStatusIndex), engine, log)
	orderStore := orders.NewStore(fake, dynamotest.OrdersTable, dynamotest.OrdersByReferenceIndex)
	ledger := idempotency.NewStore(fake, dynamotest.EventsTable, 0, log)
	notices := &captureNotifier{}

	return &testEnv{
		fake:    fake,
		svc:     NewService(ledger, orderStore, machine, notices, nil, log),
		orders:  orderStore,
		holds:   machine,
		engine:  engine,
		ledger:  ledger,
		notices: notices,
	}
}

// placeOrder reserves qty units of p1 and writes the pending order with its
// hold, the way checkout leaves them.
func (e *testEnv) placeOrder(t *testing.T, orderID string, qty int) *orders.Order {
	t.Helper()
	ctx := context.Background()
	if _, err := e.engine.Reserve(ctx, "p1", qty, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	put, err := e.holds.Store().PutAction(holds.Hold{
		HoldID:    orderID,
		OrderID:   orderID,
		HolderID:  "caller-1",
		Status:    holds.StatusHeld,
		Items:     []inventory.Line{{ProductID: "p1", Quantity: qty}},
		ExpiresAt: time.Now().Add(15 * time.Minute),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("hold put: %v", err)
	}
	o := orders.Order{
		OrderID:          orderID,
		HolderID:         "caller-1",
		HoldID:           orderID,
		Status:           orders.StatusPending,
		Items:            []orders.LineItem{{ProductID: "p1", Quantity: qty, UnitPrice: 1500}},
		Subtotal:         int64(qty) * 1500,
		Total:            int64(qty) * 1500,
		Currency:         "usd",
		PaymentReference: "pi_" + orderID,
	}
	if err := e.orders.CreateWithHold(ctx, o, put); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return &o
}

func (e *testEnv) available(t *testing.T) int {
	t.Helper()
	n, err := e.engine.TotalAvailable(context.Background(), "p1", 1)
	if err != nil {
		t.Fatalf("total available: %v", err)
	}
	return n
}

func (e *testEnv) status(t *testing.T, orderID string) (orders.Status, holds.Status) {
	t.Helper()
	o, err := e.orders.Get(context.Background(), orderID)
	if err != nil || o == nil {
		t.Fatalf("get order: %v", err)
	}
	h, err := e.holds.Store().Get(context.Background(), o.HoldID)
	if err != nil || h == nil {
		t.Fatalf("get hold: %v", err)
	}
	return o.Status, h.Status
}

func succeeded(eventID string, o *orders.Order) payments.Event {
	return payments.Event{
		ID:   eventID,
		Kind: payments.KindPaymentSucceeded,
		Payload: &payments.PaymentSucceeded{
			IntentID: o.PaymentReference,
			OrderID:  o.OrderID,
			Amount:   o.Total,
			Currency: o.Currency,
		},
	}
}

func refunded(eventID string, o *orders.Order) payments.Event {
	return payments.Event{
		ID:   eventID,
		Kind: payments.KindChargeRefunded,
		Payload: &payments.ChargeRefunded{
			ChargeID:       "ch_" + o.OrderID,
			IntentRef:      o.PaymentReference,
			Amount:         o.Total,
			AmountRefunded: o.Total,
			Full:           true,
		},
	}
}

func TestProcess_PaymentSucceeded(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 2)
	ctx := context.Background()

	outcome, err := e.svc.Process(ctx, succeeded("evt_1", o))
	if err != nil || outcome != OutcomeConsumed {
		t.Fatalf("expected consumed, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPaid || hs != holds.StatusConsumed {
		t.Fatalf("expected paid/consumed, got %s/%s", os, hs)
	}
	if !e.notices.has(MsgOrderPaid) {
		t.Fatalf("expected %s notification", MsgOrderPaid)
	}
	rec, _ := e.ledger.Get(ctx, "evt_1")
	if rec == nil || rec.Status != idempotency.StatusDone || rec.Outcome != OutcomeConsumed {
		t.Fatalf("unexpected ledger record %+v", rec)
	}

	outcome, err = e.svc.Process(ctx, succeeded("evt_1", o))
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %q (%v)", outcome, err)
	}
	if got := e.available(t); got != stockUnits-2 {
		t.Fatalf("sold units must stay off the shelf, available %d", got)
	}
}

func TestProcess_LedgerUnavailable(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 2)
	ctx := context.Background()

	e.fake.FailWhen(func(op, table string) error {
		if op == "PutItem" && table == dynamotest.EventsTable {
			return errors.New("throttled")
		}
		return nil
	})
	_, err := e.svc.Process(ctx, succeeded("evt_1", o))
	if !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("expected ErrNotAdmitted, got %v", err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPending || hs != holds.StatusHeld {
		t.Fatalf("nothing may settle without admission, got %s/%s", os, hs)
	}

	// redelivery once the ledger is back settles normally
	e.fake.FailWhen(nil)
	outcome, err := e.svc.Process(ctx, succeeded("evt_1", o))
	if err != nil || outcome != OutcomeConsumed {
		t.Fatalf("expected consumed on redelivery, got %q (%v)", outcome, err)
	}
}

// failHoldUpdates fails the next n writes to the holds table.
func (e *testEnv) failHoldUpdates(n int) *int {
	var mu sync.Mutex
	failed := 0
	e.fake.FailWhen(func(op, table string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == "UpdateItem" && table == dynamotest.HoldsTable && failed < n {
			failed++
			return errors.New("throttled")
		}
		return nil
	})
	return &failed
}

func TestProcess_ConsumeRetriesTransientFailure(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 2)
	failed := e.failHoldUpdates(1)

	outcome, err := e.svc.Process(context.Background(), succeeded("evt_1", o))
	if err != nil || outcome != OutcomeConsumed {
		t.Fatalf("expected consumed after retry, got %q (%v)", outcome, err)
	}
	if *failed != 1 {
		t.Fatalf("expected one failed hold write, got %d", *failed)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPaid || hs != holds.StatusConsumed {
		t.Fatalf("expected paid/consumed, got %s/%s", os, hs)
	}
	if e.notices.has(AlertPaidWithoutHold) {
		t.Fatalf("a retried consume must not alert, got %v", e.notices.kinds)
	}
}

func TestProcess_ReleaseRetriesTransientFailure(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 3)
	e.failHoldUpdates(2)
	ev := payments.Event{
		ID:      "evt_fail",
		Kind:    payments.KindPaymentFailed,
		Payload: &payments.PaymentFailed{IntentID: o.PaymentReference, OrderID: o.OrderID, Reason: "card declined"},
	}

	outcome, err := e.svc.Process(context.Background(), ev)
	if err != nil || outcome != OutcomeReleased {
		t.Fatalf("expected released after retry, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusCanceled || hs != holds.StatusReleased {
		t.Fatalf("expected canceled/released, got %s/%s", os, hs)
	}
	if got := e.available(t); got != stockUnits {
		t.Fatalf("expected stock restored to %d, got %d", stockUnits, got)
	}
}

func TestProcess_ConsumeGivesUpAfterAttempts(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 1)
	e.failHoldUpdates(100)

	if _, err := e.svc.Handle(context.Background(), succeeded("evt_1", o)); err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if _, hs := e.status(t, "o1"); hs != holds.StatusHeld {
		t.Fatalf("hold must stay held, got %s", hs)
	}
}

func TestProcess_AmountGuard(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 2)
	ev := succeeded("evt_1", o)
	ev.Payload.(*payments.PaymentSucceeded).Amount = o.Total - 1

	_, err := e.svc.Process(context.Background(), ev)
	var integrity *IntegrityError
	if !errors.As(err, &integrity) || integrity.Field != "amount" {
		t.Fatalf("expected amount IntegrityError, got %v", err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPending || hs != holds.StatusHeld {
		t.Fatalf("nothing may change on integrity failure, got %s/%s", os, hs)
	}
	if !e.notices.has(AlertIntegrity) || e.notices.has(AlertFailed) {
		t.Fatalf("expected only the integrity alert, got %v", e.notices.kinds)
	}
	rec, _ := e.ledger.Get(context.Background(), "evt_1")
	if rec == nil || rec.Status != idempotency.StatusFailed {
		t.Fatalf("expected FAILED ledger record, got %+v", rec)
	}
}

func TestProcess_CurrencyAndReferenceGuards(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 1)

	ev := succeeded("evt_1", o)
	ev.Payload.(*payments.PaymentSucceeded).Currency = "eur"
	var integrity *IntegrityError
	if _, err := e.svc.Handle(context.Background(), ev); !errors.As(err, &integrity) || integrity.Field != "currency" {
		t.Fatalf("expected currency IntegrityError, got %v", err)
	}

	// currency codes compare exactly
	ev = succeeded("evt_upper", o)
	ev.Payload.(*payments.PaymentSucceeded).Currency = "USD"
	if _, err := e.svc.Handle(context.Background(), ev); !errors.As(err, &integrity) || integrity.Field != "currency" {
		t.Fatalf("expected currency IntegrityError for USD against usd, got %v", err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPending || hs != holds.StatusHeld {
		t.Fatalf("nothing may change on a currency mismatch, got %s/%s", os, hs)
	}

	ev = succeeded("evt_2", o)
	ev.Payload.(*payments.PaymentSucceeded).IntentID = "pi_other"
	if _, err := e.svc.Handle(context.Background(), ev); !errors.As(err, &integrity) || integrity.Field != "payment_reference" {
		t.Fatalf("expected reference IntegrityError, got %v", err)
	}
}

func TestProcess_RefundOfFulfilledOrder(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 3)
	ctx := context.Background()

	if _, err := e.svc.Process(ctx, succeeded("evt_pay", o)); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := e.orders.Transition(ctx, "o1", orders.StatusFulfilled, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := e.available(t); got != 2 {
		t.Fatalf("expected 2 available before refund, got %d", got)
	}

	outcome, err := e.svc.Process(ctx, refunded("evt_refund", o))
	if err != nil || outcome != OutcomeRefunded {
		t.Fatalf("expected refunded, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusRefunded || hs != holds.StatusReleased {
		t.Fatalf("expected refunded/released, got %s/%s", os, hs)
	}
	if got := e.available(t); got != stockUnits {
		t.Fatalf("expected all %d units back, got %d", stockUnits, got)
	}

	// a second refund notification under a new event id
	outcome, err = e.svc.Process(ctx, refunded("evt_refund_2", o))
	if err != nil || outcome != OutcomeNoop {
		t.Fatalf("expected noop, got %q (%v)", outcome, err)
	}
	if got := e.available(t); got != stockUnits {
		t.Fatalf("duplicate refund must not restock again, got %d", got)
	}
}

func TestProcess_PartialRefundIgnored(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 1)
	if _, err := e.svc.Process(context.Background(), succeeded("evt_pay", o)); err != nil {
		t.Fatalf("pay: %v", err)
	}
	ev := refunded("evt_refund", o)
	p := ev.Payload.(*payments.ChargeRefunded)
	p.AmountRefunded, p.Full = 100, false

	outcome, err := e.svc.Process(context.Background(), ev)
	if err != nil || outcome != OutcomePartialRefund {
		t.Fatalf("expected partial refund ignored, got %q (%v)", outcome, err)
	}
	if os, _ := e.status(t, "o1"); os != orders.StatusPaid {
		t.Fatalf("partial refund must not move the order, got %s", os)
	}
}

func TestProcess_PaymentFailedReleasesStock(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 4)
	ev := payments.Event{
		ID:      "evt_fail",
		Kind:    payments.KindPaymentFailed,
		Payload: &payments.PaymentFailed{IntentID: o.PaymentReference, OrderID: o.OrderID, Reason: "card declined"},
	}

	outcome, err := e.svc.Process(context.Background(), ev)
	if err != nil || outcome != OutcomeReleased {
		t.Fatalf("expected released, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusCanceled || hs != holds.StatusReleased {
		t.Fatalf("expected canceled/released, got %s/%s", os, hs)
	}
	if got := e.available(t); got != stockUnits {
		t.Fatalf("expected stock restored to %d, got %d", stockUnits, got)
	}
}

func TestProcess_PaidAfterHoldExpired(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 2)
	ctx := context.Background()
	if ok, err := e.holds.Expire(ctx, "o1"); err != nil || !ok {
		t.Fatalf("expire: ok=%v err=%v", ok, err)
	}

	outcome, err := e.svc.Process(ctx, succeeded("evt_pay", o))
	if err != nil || outcome != OutcomePaidWithoutHold {
		t.Fatalf("expected paid_without_hold, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusPaid || hs != holds.StatusExpired {
		t.Fatalf("expected paid/expired, got %s/%s", os, hs)
	}
	if !e.notices.has(AlertPaidWithoutHold) {
		t.Fatalf("expected %s alert", AlertPaidWithoutHold)
	}
	if got := e.available(t); got != stockUnits {
		t.Fatalf("expired units stay on the shelf, got %d", got)
	}
}

func TestProcess_Dispute(t *testing.T) {
	e := newTestEnv(t)
	o := e.placeOrder(t, "o1", 1)
	ctx := context.Background()
	if _, err := e.svc.Process(ctx, succeeded("evt_pay", o)); err != nil {
		t.Fatalf("pay: %v", err)
	}

	dispute := func(id string) payments.Event {
		return payments.Event{
			ID:      id,
			Kind:    payments.KindDisputeCreated,
			Payload: &payments.DisputeCreated{DisputeID: "dp_1", IntentRef: o.PaymentReference, Reason: "fraudulent"},
		}
	}
	outcome, err := e.svc.Process(ctx, dispute("evt_d1"))
	if err != nil || outcome != OutcomeDisputed {
		t.Fatalf("expected disputed, got %q (%v)", outcome, err)
	}
	outcome, err = e.svc.Process(ctx, dispute("evt_d2"))
	if err != nil || outcome != OutcomeNoop {
		t.Fatalf("expected noop for repeated dispute, got %q (%v)", outcome, err)
	}
	if os, hs := e.status(t, "o1"); os != orders.StatusDisputed || hs != holds.StatusConsumed {
		t.Fatalf("expected disputed/consumed, got %s/%s", os, hs)
	}

	outcome, err = e.svc.Process(ctx, payments.Event{
		ID:      "evt_d3",
		Kind:    payments.KindDisputeCreated,
		Payload: &payments.DisputeCreated{IntentRef: "pi_unknown"},
	})
	if err != nil || outcome != OutcomeNoop {
		t.Fatalf("expected noop for unknown payment, got %q (%v)", outcome, err)
	}
}

func TestProcess_UnknownOrderFails(t *testing.T) {
	e := newTestEnv(t)
	ev := payments.Event{
		ID:      "evt_1",
		Kind:    payments.KindPaymentSucceeded,
		Payload: &payments.PaymentSucceeded{IntentID: "pi_x", OrderID: "missing", Amount: 1, Currency: "usd"},
	}
	_, err := e.svc.Process(context.Background(), ev)
	if !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if !e.notices.has(AlertFailed) {
		t.Fatalf("expected %s alert", AlertFailed)
	}
}
