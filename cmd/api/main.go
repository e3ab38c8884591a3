package main

import (
	"context"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/catalog"
	"github.com/imrishuroy/go-sharded-checkout/internal/checkout"
	"github.com/imrishuroy/go-sharded-checkout/internal/config"
	"github.com/imrishuroy/go-sharded-checkout/internal/handlers"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/idempotency"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/logging"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
	"github.com/imrishuroy/go-sharded-checkout/internal/payments"
	"github.com/imrishuroy/go-sharded-checkout/internal/settlement"
	"github.com/imrishuroy/go-sharded-checkout/internal/tracing"
	"github.com/imrishuroy/go-sharded-checkout/internal/validation"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func buildHandlerConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger) (handlers.HandlerConfig, error) {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return handlers.HandlerConfig{}, err
	}

	gateway, err := payments.NewStripe(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	if err != nil {
		return handlers.HandlerConfig{}, err
	}

	products := catalog.NewStore(clients.DynamoDB, cfg.ProductsTable, cfg.ShardsTable)
	engine := inventory.NewEngine(clients.DynamoDB, cfg.ShardsTable, products, log)
	holdStore := holds.NewStore(clients.DynamoDB, cfg.HoldsTable, cfg.HoldsStatusIndex, holds.WithRestockIndex(cfg.HoldsRestockIndex))
	machine := holds.NewMachine(holdStore, engine, log)
	orderStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrdersReferenceIndex)
	ledger := idempotency.NewStore(clients.DynamoDB, cfg.EventsTable, cfg.EventTTL, log)
	publisher := aws.NewPublisher(clients.SQS, cfg.NotificationsQueueURL)

	checkoutSvc := checkout.NewService(products, engine, holdStore, orderStore, gateway, log,
		checkout.WithHoldTTL(cfg.HoldTTL),
		checkout.WithParallelism(cfg.CheckoutParallelism),
		checkout.WithPricing(checkout.Pricing{
			TaxRateBPS:       cfg.TaxRateBPS,
			ShippingFlat:     cfg.ShippingFlat,
			FreeShippingOver: cfg.FreeShippingOver,
		}),
		checkout.WithMetrics(aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, "checkout")),
	)
	settlementSvc := settlement.NewService(ledger, orderStore, machine, publisher,
		aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, "settlement"), log)

	return handlers.HandlerConfig{
		Checkout:   checkoutSvc,
		Verifier:   gateway,
		Settlement: settlementSvc,
		Validator:  validation.New(),
		Log:        log,
	}, nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load("checkout-api")
	if err != nil {
		bootLog := logging.New("checkout-api", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)

	shutdown, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() { _ = shutdown(ctx) }()

	hc, err := buildHandlerConfig(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init dependencies")
	}

	r := setupRouter(hc)

	// if RUN_LOCAL is set, run a local HTTP server for development.
	if cfg.RunLocal || os.Getenv("RUN_LOCAL") == "true" {
		log.Info().Str("addr", cfg.ListenAddr).Msg("running local server")
		if err := r.Run(cfg.ListenAddr); err != nil {
			log.Fatal().Err(err).Msg("failed to run local server")
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
