package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
)

// Store is the ledger of payment events that have been admitted for
// processing.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	log       zerolog.Logger
	nowFunc   func() time.Time
}

// NewStore returns a configured Store. A non-positive ttlWindow means
// DefaultTTL.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration, log zerolog.Logger) *Store {
	if ttlWindow <= 0 {
		ttlWindow = DefaultTTL
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		log:       log.With().Str("component", "event_ledger").Logger(),
		nowFunc:   time.Now,
	}
}

// Admit records eventID as IN_PROGRESS if it has never been seen.
// Returns (true, nil) for the first delivery, (false, nil) for a duplicate and
// (false, err) when the ledger could not be written.
func (s *Store) Admit(ctx context.Context, eventID, eventType string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := EventRecord{
		EventID:   eventID,
		EventType: eventType,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(event_id)"),
	})
	if err != nil {
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// AdmitOnce is Admit with a safe default: when the ledger cannot be written the
// event is not processed. The gateway redelivers, and a missed delivery is
// recoverable while a double settlement is not.
func (s *Store) AdmitOnce(ctx context.Context, eventID, eventType string) bool {
	ok, err := s.Admit(ctx, eventID, eventType)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Str("event_type", eventType).
			Msg("event ledger unavailable, not admitting")
		return false
	}
	if !ok {
		s.log.Info().Str("event_id", eventID).Str("event_type", eventType).Msg("duplicate event")
	}
	return ok
}

// Get retrieves a ledger record. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       eventKey(eventID),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec EventRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone sets status to DONE and records what settlement did.
func (s *Store) MarkDone(ctx context.Context, eventID, outcome string) error {
	return s.mark(ctx, eventID, StatusDone, outcome, "")
}

// MarkFailed sets status to FAILED with a note for operator follow-up.
func (s *Store) MarkFailed(ctx context.Context, eventID, note string) error {
	return s.mark(ctx, eventID, StatusFailed, "", note)
}

func (s *Store) mark(ctx context.Context, eventID, status, outcome, note string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 eventKey(eventID),
		UpdateExpression:    awsString("SET #s = :st, outcome = :o, note = :n, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(event_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: status},
			":o":  &types.AttributeValueMemberS{Value: outcome},
			":n":  &types.AttributeValueMemberS{Value: note},
			":ua": &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark %s): %w", status, err)
	}
	return nil
}

func eventKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberS{Value: id},
	}
}

// Helper
func awsString(s string) *string { return &s }
