package inventory

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxShardVisits is the number of shards a single reservation will try.
const MaxShardVisits = 8

// MaxShards keeps product seeding (product item + one item per shard) inside
// a single TransactWriteItems call.
const MaxShards = 64

// MaxBatchOps is the store's per-transaction action ceiling.
const MaxBatchOps = 100

// ErrShardConfig means a product has no usable shard count.
var ErrShardConfig = errors.New("product shard count not configured")

// Shard is one counter document of a product's stock.
type Shard struct {
	ShardID    string    `dynamodbav:"shard_id"` // PK: <product_id>#<index>
	ProductID  string    `dynamodbav:"product_id"`
	ShardIndex int       `dynamodbav:"shard_index"`
	Available  int       `dynamodbav:"available"`
	UpdatedAt  time.Time `dynamodbav:"updated_at,omitempty"`
}

func ShardID(productID string, index int) string {
	return productID + "#" + strconv.Itoa(index)
}

// Line is a quantity of one product.
type Line struct {
	ProductID string `dynamodbav:"product_id" json:"product_id"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
}

// Take records units drawn from one shard.
type Take struct {
	Shard int
	Units int
}

// Reservation is the outcome of a successful Reserve.
type Reservation struct {
	ProductID string
	Takes     []Take
}

func (r Reservation) Units() int {
	n := 0
	for _, t := range r.Takes {
		n += t.Units
	}
	return n
}

// InsufficientStockError is returned by Reserve after it has rolled back
// whatever it managed to take.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Shortfall int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, short by %d", e.ProductID, e.Requested, e.Shortfall)
}
