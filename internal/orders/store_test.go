package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/dynamotest"
)

func holdPut(t *testing.T, id string) types.TransactWriteItem {
	t.Helper()
	item, err := attributevalue.MarshalMap(map[string]any{"hold_id": id, "status": "held"})
	if err != nil {
		t.Fatalf("marshal hold: %v", err)
	}
	table := dynamotest.HoldsTable
	cond := "attribute_not_exists(hold_id)"
	return types.TransactWriteItem{Put: &types.Put{TableName: &table, Item: item, ConditionExpression: &cond}}
}

func newOrder(id string) Order {
	return Order{
		OrderID:          id,
		HolderID:         "caller-1",
		HoldID:           id,
		Status:           StatusPending,
		Items:            []LineItem{{ProductID: "p1", Quantity: 2, UnitPrice: 1500}},
		Subtotal:         3000,
		Total:            3000,
		Currency:         "usd",
		PaymentReference: "pi_" + id,
		ShippingAddress:  Address{Name: "A", Line1: "1 Main", City: "X", PostalCode: "1", Country: "US"},
	}
}

func newTestStore(fake *dynamotest.Fake) *Store {
	return NewStore(fake, dynamotest.OrdersTable, dynamotest.OrdersByReferenceIndex)
}

func TestCreateWithHold_WritesPairOnce(t *testing.T) {
	fake := dynamotest.NewStorefront()
	s := newTestStore(fake)
	ctx := context.Background()

	if err := s.CreateWithHold(ctx, newOrder("o1"), holdPut(t, "o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fake.Get(dynamotest.HoldsTable, "o1") == nil {
		t.Fatalf("hold not written with order")
	}

	err := s.CreateWithHold(ctx, newOrder("o1"), holdPut(t, "o1"))
	if !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}

	// a stray hold with the same id must also block the order
	fake.Seed(dynamotest.HoldsTable, dynamotest.Item{"hold_id": &types.AttributeValueMemberS{Value: "o2"}})
	err = s.CreateWithHold(ctx, newOrder("o2"), holdPut(t, "o2"))
	if !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists for existing hold, got %v", err)
	}
	if fake.Get(dynamotest.OrdersTable, "o2") != nil {
		t.Fatalf("order written without its hold")
	}
}

func TestTransition(t *testing.T) {
	fake := dynamotest.NewStorefront()
	s := newTestStore(fake)
	ctx := context.Background()
	if err := s.CreateWithHold(ctx, newOrder("o1"), holdPut(t, "o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name    string
		to      Status
		guard   func(*Order) error
		wantErr error
	}{
		{name: "pending cannot be refunded", to: StatusRefunded, wantErr: ErrStatusMismatch},
		{name: "guard vetoes", to: StatusPaid, guard: func(*Order) error { return errBadAmount }, wantErr: errBadAmount},
		{name: "pending to paid", to: StatusPaid},
		{name: "paid to paid again", to: StatusPaid, wantErr: ErrStatusMismatch},
		{name: "paid to fulfilled", to: StatusFulfilled},
		{name: "fulfilled to refunded", to: StatusRefunded},
		{name: "refunded is terminal", to: StatusDisputed, wantErr: ErrStatusMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o, err := s.Transition(ctx, "o1", tc.to, tc.guard)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if o.Status != tc.to {
				t.Fatalf("expected %s, got %s", tc.to, o.Status)
			}
		})
	}

	o, err := s.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.PaidAt == nil || o.FulfilledAt == nil || o.RefundedAt == nil || o.CanceledAt != nil {
		t.Fatalf("unexpected timestamps: %+v", o)
	}

	var mismatch *StatusMismatchError
	_, err = s.Transition(ctx, "o1", StatusPaid, nil)
	if !errors.As(err, &mismatch) || mismatch.Actual != StatusRefunded {
		t.Fatalf("expected mismatch carrying refunded, got %v", err)
	}

	if _, err := s.Transition(ctx, "nope", StatusPaid, nil); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

var errBadAmount = errors.New("bad amount")

func TestTransition_ConcurrentSingleWinner(t *testing.T) {
	fake := dynamotest.NewStorefront()
	s := newTestStore(fake)
	ctx := context.Background()
	if err := s.CreateWithHold(ctx, newOrder("o1"), holdPut(t, "o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := StatusPaid
			if i%2 == 1 {
				to = StatusCanceled
			}
			_, err := s.Transition(ctx, "o1", to, nil)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			// exhausted write-conflict retries are also a lost race
			if !errors.Is(err, ErrStatusMismatch) && !errors.Is(err, aws.ErrWriteConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestGetByPaymentReference(t *testing.T) {
	fake := dynamotest.NewStorefront()
	s := newTestStore(fake)
	ctx := context.Background()
	for _, id := range []string{"o1", "o2"} {
		if err := s.CreateWithHold(ctx, newOrder(id), holdPut(t, id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	o, err := s.GetByPaymentReference(ctx, "pi_o2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if o == nil || o.OrderID != "o2" {
		t.Fatalf("expected o2, got %+v", o)
	}

	o, err = s.GetByPaymentReference(ctx, "pi_unknown")
	if err != nil || o != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", o, err)
	}
}
