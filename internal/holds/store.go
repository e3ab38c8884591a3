package holds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
)

// DefaultRestockIndex is the sparse index over holds whose restock failed and
// waits for a redrive: hash status, range restock_due_at.
const DefaultRestockIndex = "status-restock_due_at-index"

// Store persists holds. Every status change goes through Claim, a single
// conditional write, so concurrent actors on one hold get exactly one winner.
type Store struct {
	client       aws.DynamoDBAPI
	tableName    string
	statusIndex  string
	restockIndex string
	nowFunc      func() time.Time
}

type StoreOption func(*Store)

// WithRestockIndex overrides DefaultRestockIndex; an empty name keeps it.
func WithRestockIndex(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.restockIndex = name
		}
	}
}

func NewStore(client aws.DynamoDBAPI, tableName, statusIndex string, opts ...StoreOption) *Store {
	s := &Store{
		client:       client,
		tableName:    tableName,
		statusIndex:  statusIndex,
		restockIndex: DefaultRestockIndex,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutAction builds the transaction item that creates h. The caller commits it
// together with the order so neither exists without the other.
func (s *Store) PutAction(h Hold) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(h)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal hold: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(hold_id)"),
		},
	}, nil
}

// Get returns (nil, nil) when the hold does not exist.
func (s *Store) Get(ctx context.Context, holdID string) (*Hold, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            holdKey(holdID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var h Hold
	if err := attributevalue.UnmarshalMap(out.Item, &h); err != nil {
		return nil, fmt.Errorf("unmarshal hold: %w", err)
	}
	return &h, nil
}

// Claim moves a hold from one status to another iff it is currently in from.
// The winner gets the hold's items back; losers learn whether the hold is
// missing or which status beat them.
func (s *Store) Claim(ctx context.Context, holdID string, from, to Status) (ClaimResult, error) {
	return s.claim(ctx, holdID, from, to, "", nil)
}

// ClaimForRestock is Claim for an edge that hands units back. The same write
// takes the restock marker and records seed, so the winner is the only
// caller that restocks unless it gives the restock back with RequeueRestock.
func (s *Store) ClaimForRestock(ctx context.Context, holdID string, from, to Status, seed string) (ClaimResult, error) {
	return s.claim(ctx, holdID, from, to, ", restocked_at = :now, restock_seed = :seed", map[string]types.AttributeValue{
		":seed": &types.AttributeValueMemberS{Value: seed},
	})
}

func (s *Store) claim(ctx context.Context, holdID string, from, to Status, extraSet string, extraValues map[string]types.AttributeValue) (ClaimResult, error) {
	if !CanTransition(from, to) {
		return ClaimResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(to)},
		":from": &types.AttributeValueMemberS{Value: string(from)},
		":now":  &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
	}
	for k, v := range extraValues {
		values[k] = v
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 holdKey(holdID),
		UpdateExpression:    awsString("SET #s = :to, #ts = :now" + extraSet),
		ConditionExpression: awsString("#s = :from"),
		ExpressionAttributeNames: map[string]string{
			"#s":  "status",
			"#ts": timestampAttr(to),
		},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return ClaimResult{}, fmt.Errorf("claim hold %s: %w", holdID, err)
		}
		if len(ccf.Item) == 0 {
			return ClaimResult{Outcome: NotFound}, nil
		}
		var cur Hold
		if err := attributevalue.UnmarshalMap(ccf.Item, &cur); err != nil {
			return ClaimResult{}, fmt.Errorf("unmarshal hold: %w", err)
		}
		return ClaimResult{Outcome: WrongState, Actual: cur.Status}, nil
	}

	var h Hold
	if err := attributevalue.UnmarshalMap(out.Attributes, &h); err != nil {
		return ClaimResult{}, fmt.Errorf("unmarshal hold: %w", err)
	}
	return ClaimResult{Outcome: Claimed, Items: h.Items}, nil
}

// RequeueRestock gives back a taken restock that failed: the marker is
// dropped and the hold enters the restock index.
func (s *Store) RequeueRestock(ctx context.Context, holdID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 holdKey(holdID),
		UpdateExpression:    awsString("SET restock_due_at = :due REMOVE restocked_at"),
		ConditionExpression: awsString("attribute_exists(restocked_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":due": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("requeue restock of hold %s: %w", holdID, err)
	}
	return nil
}

// TakeRestock takes the marker of a hold waiting in the restock index. Only
// one caller gets the hold back; everyone else gets (nil, nil).
func (s *Store) TakeRestock(ctx context.Context, holdID string) (*Hold, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 holdKey(holdID),
		UpdateExpression:    awsString("SET restocked_at = :now REMOVE restock_due_at"),
		ConditionExpression: awsString("attribute_exists(restock_due_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if aws.IsConditionalCheckFailed(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take restock of hold %s: %w", holdID, err)
	}
	var h Hold
	if err := attributevalue.UnmarshalMap(out.Attributes, &h); err != nil {
		return nil, fmt.Errorf("unmarshal hold: %w", err)
	}
	return &h, nil
}

// ListRestockDue returns up to limit released or expired holds whose restock
// was queued before the given time, oldest first.
func (s *Store) ListRestockDue(ctx context.Context, before time.Time, limit int32) ([]Hold, error) {
	var all []Hold
	for _, st := range []Status{StatusReleased, StatusExpired} {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              &s.restockIndex,
			KeyConditionExpression: awsString("#s = :st AND restock_due_at < :before"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st":     &types.AttributeValueMemberS{Value: string(st)},
				":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.Unix(), 10)},
			},
			Limit: &limit,
		})
		if err != nil {
			return nil, fmt.Errorf("query restock index: %w", err)
		}
		var hs []Hold
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &hs); err != nil {
			return nil, fmt.Errorf("unmarshal holds: %w", err)
		}
		all = append(all, hs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].RestockDueAt < all[j].RestockDueAt })
	if len(all) > int(limit) {
		all = all[:limit]
	}
	return all, nil
}

// ListExpired returns up to limit held holds whose deadline is before now,
// oldest first.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int32) ([]Hold, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.statusIndex,
		KeyConditionExpression: awsString("#s = :held AND expires_at < :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":held": &types.AttributeValueMemberS{Value: string(StatusHeld)},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
		Limit: &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query expired holds: %w", err)
	}
	var hs []Hold
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &hs); err != nil {
		return nil, fmt.Errorf("unmarshal holds: %w", err)
	}
	return hs, nil
}

func timestampAttr(s Status) string {
	switch s {
	case StatusReleased:
		return "released_at"
	case StatusConsumed:
		return "consumed_at"
	case StatusExpired:
		return "expired_at"
	}
	return "updated_at"
}

func holdKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"hold_id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
