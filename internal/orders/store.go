package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
)

// Store encapsulates operations on the orders table.
type Store struct {
	client         aws.DynamoDBAPI
	tableName      string
	referenceIndex string
	txAttempts     int
	nowFunc        func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, referenceIndex string) *Store {
	return &Store{
		client:         client,
		tableName:      tableName,
		referenceIndex: referenceIndex,
		txAttempts:     aws.DefaultTxAttempts,
		nowFunc:        time.Now,
	}
}

// CreateWithHold atomically creates the order and its hold. holdPut is the
// hold's Put action; both puts are guarded so a repeated order id fails with
// ErrOrderExists and writes nothing.
func (s *Store) CreateWithHold(ctx context.Context, order Order, holdPut types.TransactWriteItem) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: awsString("attribute_not_exists(order_id)"),
				},
			},
			holdPut,
		},
	})
	if err != nil {
		if aws.IsTransactionConditionFailed(err) {
			return ErrOrderExists
		}
		return fmt.Errorf("transact write order %s: %w", order.OrderID, err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// GetByPaymentReference finds the order paid through the given gateway
// reference. The index is eventually consistent, so the hit is re-read from
// the table. Returns (nil, nil) if no order carries the reference.
func (s *Store) GetByPaymentReference(ctx context.Context, reference string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.referenceIndex,
		KeyConditionExpression: awsString("payment_reference = :ref"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: reference},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query payment reference: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	id, ok := out.Items[0]["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("payment reference %s: index item has no order_id", reference)
	}
	return s.Get(ctx, id.Value)
}

// Transition moves an order to status to. The order is re-read on every
// attempt, guard (if non-nil) vets the fresh copy, and the write is
// conditional on the status that was read. Returns the updated order.
//
// Errors: ErrOrderNotFound, *StatusMismatchError when the current status has
// no edge to to, or whatever guard returned.
func (s *Store) Transition(ctx context.Context, orderID string, to Status, guard func(*Order) error) (*Order, error) {
	var updated *Order
	err := aws.WithRetry(ctx, s.txAttempts, func(ctx context.Context) error {
		o, err := s.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrOrderNotFound
		}
		if !CanTransition(o.Status, to) {
			return &StatusMismatchError{OrderID: orderID, Actual: o.Status, To: to}
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}

		now := s.nowFunc().UTC()
		ts := now.Format(time.RFC3339Nano)
		_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:           &s.tableName,
			Key:                 orderKey(orderID),
			UpdateExpression:    awsString("SET #s = :new, updated_at = :ua, #ts = :ua"),
			ConditionExpression: awsString("#s = :expected"),
			ExpressionAttributeNames: map[string]string{
				"#s":  "status",
				"#ts": timestampAttr(to),
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":new":      &types.AttributeValueMemberS{Value: string(to)},
				":expected": &types.AttributeValueMemberS{Value: string(o.Status)},
				":ua":       &types.AttributeValueMemberS{Value: ts},
			},
		})
		if err != nil {
			if aws.IsConditionalCheckFailed(err) {
				return aws.ErrWriteConflict
			}
			return fmt.Errorf("update order %s: %w", orderID, err)
		}

		o.Status = to
		o.UpdatedAt = now
		stamp(o, to, now)
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func timestampAttr(s Status) string {
	switch s {
	case StatusPaid:
		return "paid_at"
	case StatusCanceled:
		return "canceled_at"
	case StatusDisputed:
		return "disputed_at"
	case StatusRefunded:
		return "refunded_at"
	case StatusFulfilled:
		return "fulfilled_at"
	}
	return "updated_at"
}

func stamp(o *Order, s Status, t time.Time) {
	switch s {
	case StatusPaid:
		o.PaidAt = &t
	case StatusCanceled:
		o.CanceledAt = &t
	case StatusDisputed:
		o.DisputedAt = &t
	case StatusRefunded:
		o.RefundedAt = &t
	case StatusFulfilled:
		o.FulfilledAt = &t
	}
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }

