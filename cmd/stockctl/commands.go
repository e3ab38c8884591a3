package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/catalog"
	"github.com/imrishuroy/go-sharded-checkout/internal/config"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
	"github.com/imrishuroy/go-sharded-checkout/internal/orders"
)

type app struct {
	products *catalog.Store
	stock    *inventory.Engine
	holds    *holds.Machine
	orders   *orders.Store
}

func newApp(client aws.DynamoDBAPI, cfg *config.Config, log zerolog.Logger) *app {
	products := catalog.NewStore(client, cfg.ProductsTable, cfg.ShardsTable)
	engine := inventory.NewEngine(client, cfg.ShardsTable, products, log)
	return &app{
		products: products,
		stock:    engine,
		holds:    holds.NewMachine(holds.NewStore(client, cfg.HoldsTable, cfg.HoldsStatusIndex, holds.WithRestockIndex(cfg.HoldsRestockIndex)), engine, log),
		orders:   orders.NewStore(client, cfg.OrdersTable, cfg.OrdersReferenceIndex),
	}
}

func seedCmd(open opener) *cobra.Command {
	var (
		name     string
		shards   int
		units    int
		price    int64
		currency string
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "seed [product-id]",
		Short: "Create a product and split its stock across shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}
			p := catalog.Product{
				ProductID:  args[0],
				Name:       name,
				Active:     !inactive,
				ShardCount: shards,
				UnitPrice:  price,
				Currency:   strings.ToLower(currency),
			}
			if err := a.products.Seed(cmd.Context(), p, units); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %s: %d units over %d shards\n", p.ProductID, units, shards)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the product id)")
	cmd.Flags().IntVarP(&shards, "shards", "s", 8, "Number of stock shards, fixed for the product's life")
	cmd.Flags().IntVarP(&units, "units", "u", 0, "Initial units")
	cmd.Flags().Int64Var(&price, "price", 0, "Unit price in minor units")
	cmd.Flags().StringVar(&currency, "currency", "usd", "ISO-4217 currency")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the product without listing it")

	return cmd
}

func stockCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stock [product-id]",
		Short: "Show available units summed over all shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.products.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("%s: %w", args[0], catalog.ErrProductNotFound)
			}
			n, err := a.stock.TotalAvailable(cmd.Context(), p.ProductID, p.ShardCount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s available=%d shards=%d active=%t\n", p.ProductID, n, p.ShardCount, p.Active)
			return nil
		},
	}
}

func releaseCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "release [hold-id]",
		Short: "Release a held reservation and return its stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			claimed, err := a.holds.Release(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			if !claimed {
				return fmt.Errorf("hold %s is not held", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
}

func redriveCmd(open opener) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "redrive [hold-id]",
		Short: "Retry restocks that failed after their hold was released or expired",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			ids := args
			if all {
				due, err := a.holds.ListRestockDue(cmd.Context(), time.Now().Add(time.Second), 100)
				if err != nil {
					return err
				}
				ids = nil
				for _, h := range due {
					ids = append(ids, h.HoldID)
				}
			}
			var errs []error
			for _, id := range ids {
				ok, err := a.holds.Redrive(cmd.Context(), id)
				switch {
				case err != nil:
					errs = append(errs, err)
				case ok:
					fmt.Fprintf(cmd.OutOrStdout(), "redriven %s\n", id)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s has no restock due\n", id)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Redrive every hold on the restock index")

	return cmd
}

func fulfillCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "fulfill [order-id]",
		Short: "Mark a paid order as handed to the warehouse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			o, err := a.orders.Transition(cmd.Context(), args[0], orders.StatusFulfilled, nil)
			if errors.Is(err, orders.ErrStatusMismatch) {
				return fmt.Errorf("order %s cannot be fulfilled: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %s %s\n", o.OrderID, o.Status)
			return nil
		},
	}
}
