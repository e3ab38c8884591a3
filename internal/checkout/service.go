package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/catalog"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
	"github.com/imrishuroy/go-sharded-checkout/internal/payments"
)

var tracer = otel.Tracer("checkout")

// DefaultHoldTTL is how long reserved stock waits for payment.
const DefaultHoldTTL = 15 * time.Minute

const defaultParallelism = 4

type Products interface {
	Get(ctx context.Context, productID string) (*catalog.Product, error)
}

type Reserver interface {
	Reserve(ctx context.Context, productID string, quantity, shardCount int) (inventory.Reservation, error)
	Rollback(ctx context.Context, res inventory.Reservation) error
}

type Holds interface {
	PutAction(h holds.Hold) (types.TransactWriteItem, error)
}

type Orders interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	CreateWithHold(ctx context.Context, order orders.Order, holdPut types.TransactWriteItem) error
}

// Service runs checkout: reserve stock, open a payment intent and persist
// the order with its hold. Any failure after stock was taken gives it back.
type Service struct {
	products    Products
	stock       Reserver
	holds       Holds
	orders      Orders
	gateway     payments.Gateway
	limiter     RateLimiter
	pricing     Pricing
	holdTTL     time.Duration
	parallelism int
	metrics     *aws.Metrics
	log         zerolog.Logger
	nowFunc     func() time.Time
}

type Option func(*Service)

func WithHoldTTL(d time.Duration) Option { return func(s *Service) { s.holdTTL = d } }

func WithRateLimiter(l RateLimiter) Option { return func(s *Service) { s.limiter = l } }

func WithPricing(p Pricing) Option { return func(s *Service) { s.pricing = p } }

// WithParallelism bounds how many lines are reserved at once.
func WithParallelism(n int) Option { return func(s *Service) { s.parallelism = n } }

func WithMetrics(m *aws.Metrics) Option { return func(s *Service) { s.metrics = m } }

func NewService(products Products, stock Reserver, h Holds, o Orders, gateway payments.Gateway, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		products:    products,
		stock:       stock,
		holds:       h,
		orders:      o,
		gateway:     gateway,
		limiter:     AllowAll{},
		holdTTL:     DefaultHoldTTL,
		parallelism: defaultParallelism,
		log:         log.With().Str("component", "checkout").Logger(),
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.Checkout")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.OrderID), attribute.Int("lines", len(req.Items)))

	res, err := s.checkout(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		ev := s.log.Warn()
		if KindOf(err) == KindInternal {
			ev = s.log.Error()
		}
		ev.Err(err).Str("order_id", req.OrderID).Str("holder_id", req.HolderID).Str("kind", string(KindOf(err))).Msg("checkout rejected")
		s.emit(ctx, aws.Count("CheckoutRejected", 1))
		return nil, err
	}
	s.log.Info().Str("order_id", res.OrderID).Str("holder_id", req.HolderID).Int64("total", res.Total).
		Time("expires_at", res.ExpiresAt).Msg("checkout held")
	s.emit(ctx, aws.Count("CheckoutHeld", 1))
	return res, nil
}

func (s *Service) checkout(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !s.limiter.Allow(ctx, req.HolderID) {
		return nil, newError(KindRateLimited, nil, "too many checkouts for %s", req.HolderID)
	}

	existing, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, newError(KindInternal, err, "look up order")
	}
	if existing != nil {
		return nil, newError(KindFailedPrecondition, orders.ErrOrderExists, "order %s already exists", req.OrderID)
	}

	products, err := s.loadProducts(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	items := make([]orders.LineItem, len(req.Items))
	for i, l := range req.Items {
		items[i] = orders.LineItem{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: products[i].UnitPrice}
	}
	quote := s.pricing.Quote(items)
	currency := products[0].Currency

	reservations, err := s.reserveAll(ctx, req.Items, products)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		OrderID:  req.OrderID,
		Amount:   quote.Total,
		Currency: currency,
	})
	if err != nil {
		s.rollbackAll(ctx, reservations)
		return nil, newError(KindInternal, err, "create payment intent")
	}

	now := s.nowFunc().UTC()
	expiresAt := now.Add(s.holdTTL)
	holdPut, err := s.holds.PutAction(holds.Hold{
		HoldID:    req.OrderID,
		OrderID:   req.OrderID,
		HolderID:  req.HolderID,
		Status:    holds.StatusHeld,
		Items:     req.Items,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		s.rollbackAll(ctx, reservations)
		return nil, newError(KindInternal, err, "build hold")
	}

	err = s.orders.CreateWithHold(ctx, orders.Order{
		OrderID:          req.OrderID,
		HolderID:         req.HolderID,
		HoldID:           req.OrderID,
		Status:           orders.StatusPending,
		Items:            items,
		Subtotal:         quote.Subtotal,
		Tax:              quote.Tax,
		Shipping:         quote.Shipping,
		Total:            quote.Total,
		Currency:         currency,
		PaymentReference: intent.Reference,
		ShippingAddress:  req.ShippingAddress,
		CreatedAt:        now,
	}, holdPut)
	if err != nil {
		s.rollbackAll(ctx, reservations)
		if errors.Is(err, orders.ErrOrderExists) {
			return nil, newError(KindFailedPrecondition, err, "order %s already exists", req.OrderID)
		}
		return nil, newError(KindInternal, err, "persist order")
	}

	return &Result{
		OrderID:             req.OrderID,
		HoldStatus:          holds.StatusHeld,
		ExpiresAt:           expiresAt,
		PaymentClientSecret: intent.ClientSecret,
		Total:               quote.Total,
		Currency:            currency,
	}, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.OrderID) == "" {
		return newError(KindInvalidArgument, nil, "order_id is required")
	}
	if req.HolderID == "" {
		return newError(KindInvalidArgument, nil, "caller identity is required")
	}
	if len(req.Items) == 0 {
		return newError(KindInvalidArgument, nil, "cart is empty")
	}
	seen := make(map[string]bool, len(req.Items))
	for _, l := range req.Items {
		if l.ProductID == "" || l.Quantity <= 0 {
			return newError(KindInvalidArgument, nil, "invalid line %q x %d", l.ProductID, l.Quantity)
		}
		if seen[l.ProductID] {
			return newError(KindInvalidArgument, nil, "product %s appears twice", l.ProductID)
		}
		seen[l.ProductID] = true
	}
	return nil
}

func (s *Service) loadProducts(ctx context.Context, lines []inventory.Line) ([]*catalog.Product, error) {
	out := make([]*catalog.Product, len(lines))
	for i, l := range lines {
		p, err := s.products.Get(ctx, l.ProductID)
		if err != nil {
			return nil, newError(KindInternal, err, "load product %s", l.ProductID)
		}
		if p == nil {
			return nil, newError(KindNotFound, catalog.ErrProductNotFound, "product %s", l.ProductID)
		}
		if !p.Active {
			return nil, newError(KindFailedPrecondition, nil, "product %s is not for sale", l.ProductID)
		}
		if i > 0 && p.Currency != out[0].Currency {
			return nil, newError(KindInvalidArgument, nil, "cart mixes %s and %s", out[0].Currency, p.Currency)
		}
		out[i] = p
	}
	return out, nil
}

// reserveAll reserves every line concurrently. If any line fails, the lines
// that succeeded are rolled back before the error is returned.
func (s *Service) reserveAll(ctx context.Context, lines []inventory.Line, products []*catalog.Product) ([]inventory.Reservation, error) {
	results := make([]inventory.Reservation, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}
	for i, l := range lines {
		g.Go(func() error {
			res, err := s.stock.Reserve(gctx, l.ProductID, l.Quantity, products[i].ShardCount)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return results, nil
	}

	s.rollbackAll(ctx, results)
	var short *inventory.InsufficientStockError
	if errors.As(err, &short) {
		s.emit(ctx, aws.Count("InsufficientStock", 1))
		return nil, &Error{Kind: KindResourceExhausted, Msg: "insufficient stock", Shortfall: short, Err: err}
	}
	return nil, newError(KindInternal, err, "reserve stock")
}

// rollbackAll returns every reservation even if the caller has gone away.
func (s *Service) rollbackAll(ctx context.Context, reservations []inventory.Reservation) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range reservations {
		if len(r.Takes) == 0 {
			continue
		}
		if err := s.stock.Rollback(ctx, r); err != nil {
			s.log.Error().Err(err).Str("product_id", r.ProductID).Int("units", r.Units()).Msg("rollback reservation")
		}
	}
}

func (s *Service) emit(ctx context.Context, data ...aws.Datum) {
	if err := s.metrics.Emit(ctx, data...); err != nil {
		s.log.Warn().Err(err).Msg("emit metrics")
	}
}
