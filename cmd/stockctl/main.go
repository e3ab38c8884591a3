package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/config"
	"github.com/imrishuroy/go-sharded-checkout/internal/logging"
)

func main() {
	rootCmd := newRootCmd(func(ctx context.Context) (*app, error) {
		cfg, err := config.Load("stockctl")
		if err != nil {
			return nil, err
		}
		clients, err := aws.NewAWSClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		return newApp(clients.DynamoDB, cfg, logging.New(cfg.ServiceName, cfg.LogLevel)), nil
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// opener builds the app lazily so --help works without AWS credentials.
type opener func(ctx context.Context) (*app, error)

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "stockctl",
		Short:         "Operate product stock, holds and orders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(seedCmd(open))
	rootCmd.AddCommand(stockCmd(open))
	rootCmd.AddCommand(releaseCmd(open))
	rootCmd.AddCommand(redriveCmd(open))
	rootCmd.AddCommand(fulfillCmd(open))

	return rootCmd
}
