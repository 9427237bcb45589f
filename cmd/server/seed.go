package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a demo customers/orders dataset in the warehouse",
	Long: `Create (or replace) a demo dataset with customers and orders filled
with generated data. Orders span the last thirteen months so relative time
prompts such as "last month" have something to count.

Example:
  promptql seed --customers 200 --orders 5000`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().String("dataset", "", "dataset to create (defaults to the configured dataset)")
	seedCmd.Flags().Int("customers", 100, "number of customers")
	seedCmd.Flags().Int("orders", 1000, "number of orders")
	seedCmd.Flags().Uint64("seed", 0, "random seed for reproducible data (0 picks one)")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogging(cfg.LogLevel, os.Stderr)

	opts := seed.Options{Dataset: cfg.Warehouse.DefaultDataset}
	if ds, _ := cmd.Flags().GetString("dataset"); ds != "" {
		opts.Dataset = ds
	}
	opts.Customers, _ = cmd.Flags().GetInt("customers")
	opts.Orders, _ = cmd.Flags().GetInt("orders")
	opts.Seed, _ = cmd.Flags().GetUint64("seed")

	p, err := pool.New(cfg.PoolConfig(), logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Seeding %s (%s)", opts.Dataset, pool.MaskDSN(cfg.Warehouse.DSN)))
	summary, err := seed.Run(ctx, db, opts, logger)
	if err != nil {
		if spinner != nil {
			spinner.Fail(err.Error())
		}
		return err
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("Seeded %s: %d customers, %d orders in %s",
			summary.Dataset, summary.Customers, summary.Orders, summary.Duration.Round(1e6)))
	}
	return nil
}
