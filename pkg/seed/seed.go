// Package seed fills a warehouse dataset with a demo shop: customers and
// their orders, generated with gofakeit.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/repositories/warehouse"
)

// Order statuses.
var statuses = []string{"pending", "shipped", "delivered", "returned"}

// Options configures a seed run.
type Options struct {
	Dataset   string
	Customers int
	Orders    int
	// Seed makes the generated data reproducible. Zero picks a random seed.
	Seed uint64
	// Now anchors order dates. Orders span the thirteen months before it.
	Now time.Time
}

// Summary reports what was written.
type Summary struct {
	Dataset   string        `json:"dataset"`
	Customers int           `json:"customers"`
	Orders    int           `json:"orders"`
	Duration  time.Duration `json:"duration"`
}

func (o *Options) applyDefaults() {
	if o.Dataset == "" {
		o.Dataset = "shop"
	}
	if o.Customers <= 0 {
		o.Customers = 100
	}
	if o.Orders <= 0 {
		o.Orders = 1000
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
}

// Run drops and recreates the customers and orders tables of opts.Dataset
// and fills them. The statements are portable between DuckDB and Postgres.
func Run(ctx context.Context, db *sql.DB, opts Options, logger zerolog.Logger) (*Summary, error) {
	opts.applyDefaults()
	if !warehouse.IsDatasetName(opts.Dataset) {
		return nil, fmt.Errorf("invalid dataset name %q", opts.Dataset)
	}

	start := time.Now()
	faker := gofakeit.New(opts.Seed)
	ds := `"` + opts.Dataset + `"`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ddl := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, ds),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s.orders`, ds),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s.customers`, ds),
		fmt.Sprintf(`CREATE TABLE %s.customers (
			id INTEGER PRIMARY KEY,
			name VARCHAR NOT NULL,
			email VARCHAR NOT NULL,
			city VARCHAR,
			country VARCHAR,
			signed_up_at TIMESTAMP NOT NULL
		)`, ds),
		fmt.Sprintf(`CREATE TABLE %s.orders (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status VARCHAR NOT NULL,
			placed_at TIMESTAMP NOT NULL
		)`, ds),
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	earliest := opts.Now.AddDate(-1, -1, 0)

	insertCustomer, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.customers (id, name, email, city, country, signed_up_at) VALUES ($1, $2, $3, $4, $5, $6)`, ds))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare customer insert: %w", err)
	}
	defer insertCustomer.Close()

	for id := 1; id <= opts.Customers; id++ {
		_, err := insertCustomer.ExecContext(ctx,
			id,
			faker.Name(),
			faker.Email(),
			faker.City(),
			faker.Country(),
			faker.DateRange(earliest.AddDate(-1, 0, 0), earliest),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert customer %d: %w", id, err)
		}
	}

	insertOrder, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.orders (id, customer_id, amount, status, placed_at) VALUES ($1, $2, $3, $4, $5)`, ds))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare order insert: %w", err)
	}
	defer insertOrder.Close()

	for id := 1; id <= opts.Orders; id++ {
		_, err := insertOrder.ExecContext(ctx,
			id,
			faker.IntRange(1, opts.Customers),
			math.Round(faker.Price(5, 500)*100)/100,
			faker.RandomString(statuses),
			faker.DateRange(earliest, opts.Now).UTC().Truncate(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert order %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seed data: %w", err)
	}

	summary := &Summary{
		Dataset:   opts.Dataset,
		Customers: opts.Customers,
		Orders:    opts.Orders,
		Duration:  time.Since(start),
	}
	logger.Info().
		Str("dataset", summary.Dataset).
		Int("customers", summary.Customers).
		Int("orders", summary.Orders).
		Dur("duration", summary.Duration).
		Msg("Seeded demo dataset")

	return summary, nil
}
