package idempotency

import "time"

// Status values for ledger entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// DefaultTTL outlives the payment gateway's redelivery window.
const DefaultTTL = 30 * 24 * time.Hour

// EventRecord is the shape persisted in the processed-events DynamoDB table.
// Its existence means the event has triggered, or is triggering, settlement.
type EventRecord struct {
	EventID   string    `dynamodbav:"event_id"` // PK
	EventType string    `dynamodbav:"event_type"`
	Status    string    `dynamodbav:"status"`
	Outcome   string    `dynamodbav:"outcome,omitempty"` // e.g. "consumed", "noop"
	Note      string    `dynamodbav:"note,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
	ExpiresAt int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}
