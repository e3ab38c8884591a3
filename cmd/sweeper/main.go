package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/catalog"
	"github.com/imrishuroy/go-sharded-checkout/internal/config"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/logging"
	"github.com/imrishuroy/go-sharded-checkout/internal/sweeper"
	"github.com/imrishuroy/go-sharded-checkout/internal/tracing"
)

// The sweeper runs on a schedule. Each invocation works through expired
// holds until the budget or the invocation deadline is near.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("hold-sweeper")
	if err != nil {
		bootLog := logging.New("hold-sweeper", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)

	shutdown, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() { _ = shutdown(ctx) }()

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init aws clients")
	}

	products := catalog.NewStore(clients.DynamoDB, cfg.ProductsTable, cfg.ShardsTable)
	engine := inventory.NewEngine(clients.DynamoDB, cfg.ShardsTable, products, log)
	holdStore := holds.NewStore(clients.DynamoDB, cfg.HoldsTable, cfg.HoldsStatusIndex, holds.WithRestockIndex(cfg.HoldsRestockIndex))
	machine := holds.NewMachine(holdStore, engine, log)

	sw := sweeper.New(holdStore, machine, log,
		sweeper.WithBudget(cfg.SweepBudget),
		sweeper.WithRedrive(machine),
		sweeper.WithMetrics(aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, "sweeper")),
	)

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) error {
		_, err := sw.Run(ctx)
		return err
	})
}
