package catalog

import (
	"errors"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductExists   = errors.New("product already exists")
)

// Product is a sellable item and the static layout of its stock shards.
// ShardCount is fixed when the product is seeded.
type Product struct {
	ProductID  string    `dynamodbav:"product_id"` // PK
	Name       string    `dynamodbav:"name"`
	Active     bool      `dynamodbav:"active"`
	ShardCount int       `dynamodbav:"shard_count"`
	UnitPrice  int64     `dynamodbav:"unit_price"` // minor units
	Currency   string    `dynamodbav:"currency"`   // lowercase ISO-4217
	CreatedAt  time.Time `dynamodbav:"created_at"`
}
