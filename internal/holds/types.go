package holds

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
)

type Status string

const (
	StatusHeld     Status = "held"
	StatusConsumed Status = "consumed"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// ErrInvalidTransition is a programming error: the requested edge is not in
// the state machine.
var ErrInvalidTransition = errors.New("invalid hold transition")

var transitions = map[Status][]Status{
	StatusHeld:     {StatusReleased, StatusConsumed, StatusExpired},
	StatusConsumed: {StatusReleased},
}

// CanTransition reports whether from -> to is an edge of the hold lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Hold is a time-boxed claim on reserved stock for one order. Holds are never
// deleted.
type Hold struct {
	HoldID      string           `dynamodbav:"hold_id"` // PK
	OrderID     string           `dynamodbav:"order_id"`
	HolderID    string           `dynamodbav:"holder_id"`
	Status      Status           `dynamodbav:"status"`
	Items       []inventory.Line `dynamodbav:"items"`
	ExpiresAt   time.Time        `dynamodbav:"expires_at,unixtime"` // GSI range key
	CreatedAt   time.Time        `dynamodbav:"created_at"`
	ReleasedAt  *time.Time       `dynamodbav:"released_at,omitempty"`
	ConsumedAt  *time.Time       `dynamodbav:"consumed_at,omitempty"`
	ExpiredAt   *time.Time       `dynamodbav:"expired_at,omitempty"`

	// RestockedAt is set when the restock of a released or expired hold is
	// taken, together with the claim or by a redrive. RestockDueAt (unix
	// seconds) is set instead while a failed restock waits to be redriven;
	// it keys the sparse restock index.
	RestockedAt  *time.Time `dynamodbav:"restocked_at,omitempty"`
	RestockDueAt int64      `dynamodbav:"restock_due_at,omitempty"`
	RestockSeed  string     `dynamodbav:"restock_seed,omitempty"`
}

// Outcome classifies a claim attempt. NotFound and WrongState are expected
// results of races, not failures.
type Outcome int

const (
	Claimed Outcome = iota
	NotFound
	WrongState
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case NotFound:
		return "not_found"
	case WrongState:
		return "wrong_state"
	}
	return "unknown"
}

// ClaimResult is returned by Store.Claim. Items is set only when Claimed;
// Actual is the status found when WrongState.
type ClaimResult struct {
	Outcome Outcome
	Items   []inventory.Line
	Actual  Status
}
