package inventory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
)

var tracer = otel.Tracer("inventory")

// restockNamespace scopes the deterministic client request tokens of restock
// batches so a retried batch is applied once.
var restockNamespace = uuid.MustParse("8f5b8f0e-6c0a-4a57-9a59-3b8f2b6d1c44")

// ShardCounter resolves how many shards a product's stock is split across.
type ShardCounter interface {
	ShardCount(ctx context.Context, productID string) (int, error)
}

// Engine reserves and returns stock on a product's shard documents. It never
// caches availability: every decision is made on a fresh consistent read
// and committed with a conditional write.
type Engine struct {
	client     aws.DynamoDBAPI
	tableName  string
	counts     ShardCounter
	txAttempts int
	log        zerolog.Logger
	nowFunc    func() time.Time
	perm       func(n int) []int
}

func NewEngine(client aws.DynamoDBAPI, tableName string, counts ShardCounter, log zerolog.Logger) *Engine {
	return &Engine{
		client:     client,
		tableName:  tableName,
		counts:     counts,
		txAttempts: aws.DefaultTxAttempts,
		log:        log.With().Str("component", "inventory").Logger(),
		nowFunc:    time.Now,
		perm:       rand.Perm,
	}
}

// Reserve draws quantity units of productID from shards visited in random order.
// On shortfall everything taken so far is returned before the
// *InsufficientStockError is reported.
func (e *Engine) Reserve(ctx context.Context, productID string, quantity, shardCount int) (Reservation, error) {
	ctx, span := tracer.Start(ctx, "inventory.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", productID),
		attribute.Int("quantity", quantity),
		attribute.Int("shard.count", shardCount),
	)

	if shardCount <= 0 {
		return Reservation{}, fmt.Errorf("reserve %s: %w", productID, ErrShardConfig)
	}
	if quantity <= 0 {
		return Reservation{}, fmt.Errorf("reserve %s: quantity must be positive, got %d", productID, quantity)
	}

	res := Reservation{ProductID: productID}
	remaining := quantity
	order := e.perm(shardCount)
	visits := min(MaxShardVisits, shardCount)

	for i := 0; i < visits && remaining > 0; i++ {
		idx := order[i]
		taken, err := e.takeFromShard(ctx, productID, idx, remaining)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "shard decrement failed")
			e.rollbackQuietly(ctx, res)
			return Reservation{}, fmt.Errorf("reserve %s shard %d: %w", productID, idx, err)
		}
		if taken > 0 {
			res.Takes = append(res.Takes, Take{Shard: idx, Units: taken})
			remaining -= taken
		}
	}

	if remaining > 0 {
		e.rollbackQuietly(ctx, res)
		err := &InsufficientStockError{ProductID: productID, Requested: quantity, Shortfall: remaining}
		span.SetStatus(codes.Error, err.Error())
		return Reservation{}, err
	}
	return res, nil
}

// takeFromShard takes up to want units from one shard. A shard that stays
// contended past the retry budget is treated as empty so the caller can move
// on to the next shard.
func (e *Engine) takeFromShard(ctx context.Context, productID string, idx, want int) (int, error) {
	var taken int
	err := aws.WithRetry(ctx, e.txAttempts, func(ctx context.Context) error {
		taken = 0
		sh, err := e.getShard(ctx, productID, idx)
		if err != nil {
			return err
		}
		if sh == nil || sh.Available <= 0 {
			return nil
		}
		take := min(sh.Available, want)

		_, err = e.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:           &e.tableName,
			Key:                 shardKey(productID, idx),
			UpdateExpression:    awsString("SET updated_at = :ua ADD available :delta"),
			ConditionExpression: awsString("available >= :take"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":delta": number(-take),
				":take":  number(take),
				":ua":    &types.AttributeValueMemberS{Value: e.nowFunc().UTC().Format(time.RFC3339Nano)},
			},
		})
		if aws.IsConditionalCheckFailed(err) {
			return aws.ErrWriteConflict
		}
		if err != nil {
			return fmt.Errorf("decrement shard: %w", err)
		}
		taken = take
		return nil
	})
	if errors.Is(err, aws.ErrWriteConflict) {
		e.log.Debug().Str("product_id", productID).Int("shard", idx).Msg("shard contended, skipping")
		return 0, nil
	}
	return taken, err
}

func (e *Engine) getShard(ctx context.Context, productID string, idx int) (*Shard, error) {
	out, err := e.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &e.tableName,
		Key:            shardKey(productID, idx),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get shard: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sh Shard
	if err := attributevalue.UnmarshalMap(out.Item, &sh); err != nil {
		return nil, fmt.Errorf("unmarshal shard: %w", err)
	}
	return &sh, nil
}

// Rollback returns the units of res to the exact shards they came from.
func (e *Engine) Rollback(ctx context.Context, res Reservation) error {
	incs := make([]increment, 0, len(res.Takes))
	for _, t := range res.Takes {
		incs = append(incs, increment{productID: res.ProductID, shard: t.Shard, units: t.Units})
	}
	return e.applyIncrements(ctx, incs, "")
}

func (e *Engine) rollbackQuietly(ctx context.Context, res Reservation) {
	if len(res.Takes) == 0 {
		return
	}
	if err := e.Rollback(context.WithoutCancel(ctx), res); err != nil {
		e.log.Error().Err(err).Str("product_id", res.ProductID).Int("units", res.Units()).
			Msg("rollback of partial reservation failed")
	}
}

// Restock returns lines to shards chosen by hashing (seedKey, line index), so
// the same restock always lands on the same shards.
func (e *Engine) Restock(ctx context.Context, lines []Line, seedKey string) error {
	ctx, span := tracer.Start(ctx, "inventory.Restock")
	defer span.End()
	span.SetAttributes(attribute.String("seed", seedKey), attribute.Int("lines", len(lines)))

	incs := make([]increment, 0, len(lines))
	for i, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		n, err := e.counts.ShardCount(ctx, l.ProductID)
		if err != nil {
			return fmt.Errorf("restock %s: %w", l.ProductID, err)
		}
		if n <= 0 {
			return fmt.Errorf("restock %s: %w", l.ProductID, ErrShardConfig)
		}
		incs = append(incs, increment{productID: l.ProductID, shard: RestockShard(seedKey, i, n), units: l.Quantity})
	}
	if err := e.applyIncrements(ctx, incs, seedKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restock failed")
		return err
	}
	return nil
}

// RestockShard maps (seedKey, line index) onto a shard index.
func RestockShard(seedKey string, lineIndex, shardCount int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seedKey + ":" + strconv.Itoa(lineIndex)))
	return int(h.Sum64() % uint64(shardCount))
}

// TotalAvailable sums available units over all of a product's shards.
func (e *Engine) TotalAvailable(ctx context.Context, productID string, shardCount int) (int, error) {
	total := 0
	for i := 0; i < shardCount; i++ {
		sh, err := e.getShard(ctx, productID, i)
		if err != nil {
			return 0, err
		}
		if sh != nil {
			total += sh.Available
		}
	}
	return total, nil
}

type increment struct {
	productID string
	shard     int
	units     int
}

// applyIncrements merges increments per shard document (a transaction may
// touch each item once) and commits them in sequential batches of at most
// MaxBatchOps. A non-empty tokenSeed makes batch tokens deterministic.
func (e *Engine) applyIncrements(ctx context.Context, incs []increment, tokenSeed string) error {
	merged := map[string]increment{}
	for _, inc := range incs {
		id := ShardID(inc.productID, inc.shard)
		m := merged[id]
		m.productID, m.shard = inc.productID, inc.shard
		m.units += inc.units
		merged[id] = m
	}
	ids := make([]string, 0, len(merged))
	for id, m := range merged {
		if m.units != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := e.nowFunc().UTC().Format(time.RFC3339Nano)
	for batch, start := 0, 0; start < len(ids); batch, start = batch+1, start+MaxBatchOps {
		end := min(start+MaxBatchOps, len(ids))
		items := make([]types.TransactWriteItem, 0, end-start)
		for _, id := range ids[start:end] {
			m := merged[id]
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:        &e.tableName,
					Key:              shardKey(m.productID, m.shard),
					UpdateExpression: awsString("SET product_id = :pid, shard_index = :idx, updated_at = :ua ADD available :delta"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":pid":   &types.AttributeValueMemberS{Value: m.productID},
						":idx":   number(m.shard),
						":ua":    &types.AttributeValueMemberS{Value: now},
						":delta": number(m.units),
					},
				},
			})
		}

		token := uuid.NewString()
		if tokenSeed != "" {
			token = uuid.NewSHA1(restockNamespace, []byte(tokenSeed+"/"+strconv.Itoa(batch))).String()
		}
		input := &dyn.TransactWriteItemsInput{TransactItems: items, ClientRequestToken: &token}
		err := aws.WithRetry(ctx, e.txAttempts, func(ctx context.Context) error {
			_, err := e.client.TransactWriteItems(ctx, input)
			return err
		})
		if err != nil {
			return fmt.Errorf("increment batch %d (%d shards): %w", batch, len(items), err)
		}
	}
	return nil
}

func shardKey(productID string, idx int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"shard_id": &types.AttributeValueMemberS{Value: ShardID(productID, idx)},
	}
}

func number(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
