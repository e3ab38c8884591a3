package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
)

// Store reads products and seeds new ones together with their shards.
type Store struct {
	client      aws.DynamoDBAPI
	tableName   string
	shardsTable string
	nowFunc     func() time.Time
}

func NewStore(client aws.DynamoDBAPI, tableName, shardsTable string) *Store {
	return &Store{
		client:      client,
		tableName:   tableName,
		shardsTable: shardsTable,
		nowFunc:     time.Now,
	}
}

// Get fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// ShardCount implements inventory.ShardCounter.
func (s *Store) ShardCount(ctx context.Context, productID string) (int, error) {
	p, err := s.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fmt.Errorf("%s: %w", productID, ErrProductNotFound)
	}
	return p.ShardCount, nil
}

// Seed creates a product and its shards in one transaction, spreading units
// as evenly as possible. Re-seeding an existing product fails with
// ErrProductExists: the shard layout is immutable once stock is live.
func (s *Store) Seed(ctx context.Context, p Product, units int) error {
	if p.ShardCount <= 0 || p.ShardCount > inventory.MaxShards {
		return fmt.Errorf("seed %s: shard count %d outside 1..%d: %w", p.ProductID, p.ShardCount, inventory.MaxShards, inventory.ErrShardConfig)
	}
	if units < 0 {
		return fmt.Errorf("seed %s: negative units", p.ProductID)
	}
	now := s.nowFunc().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	productItem, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                productItem,
			ConditionExpression: awsString("attribute_not_exists(product_id)"),
		},
	}}

	per, extra := units/p.ShardCount, units%p.ShardCount
	for i := 0; i < p.ShardCount; i++ {
		avail := per
		if i < extra {
			avail++
		}
		shardItem, err := attributevalue.MarshalMap(inventory.Shard{
			ShardID:    inventory.ShardID(p.ProductID, i),
			ProductID:  p.ProductID,
			ShardIndex: i,
			Available:  avail,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("marshal shard: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           &s.shardsTable,
				Item:                shardItem,
				ConditionExpression: awsString("attribute_not_exists(shard_id)"),
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if aws.IsTransactionConditionFailed(err) {
			return fmt.Errorf("seed %s: %w", p.ProductID, ErrProductExists)
		}
		return fmt.Errorf("seed %s: transact write: %w", p.ProductID, err)
	}
	return nil
}

func awsString(s string) *string { return &s }
