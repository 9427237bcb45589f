// Package warehouse provides the warehouse repositories backed by the shared
// connection pool. DuckDB and Postgres (via pgx) are supported.
package warehouse

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/infrastructure/converter"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsDatasetName reports whether name is a plain identifier usable as a dataset.
func IsDatasetName(name string) bool {
	return len(name) <= 128 && identifierRe.MatchString(name)
}

// queryRepository implements repositories.WarehouseRepository.
type queryRepository struct {
	pool      pool.ConnectionPool
	allocator memory.Allocator
	logger    zerolog.Logger
	batchSize int
}

// NewQueryRepository creates a new warehouse query repository.
func NewQueryRepository(p pool.ConnectionPool, allocator memory.Allocator, logger zerolog.Logger) repositories.WarehouseRepository {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	return &queryRepository{
		pool:      p,
		allocator: allocator,
		logger:    logger.With().Str("component", "warehouse").Logger(),
		batchSize: 1024,
	}
}

// Execute runs a read-only query under its budget.
//
// The query is planned with EXPLAIN before it runs; a planning failure is a
// SQL_SYNTAX error with no cost. While rows stream in, the row and byte
// budgets are checked after every batch and exceeding either discards all
// rows read so far.
func (r *queryRepository) Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error) {
	start := time.Now()
	var stats models.ExecutionStats
	finish := func() models.ExecutionStats {
		stats.Duration = time.Since(start)
		return stats
	}

	if !IsDatasetName(req.Dataset) {
		return nil, finish(), errors.Newf(errors.KindInvalidRequest, "invalid dataset name %q", req.Dataset)
	}

	r.logger.Debug().
		Str("execution_id", req.ExecutionID).
		Str("dataset", req.Dataset).
		Int64("max_rows", req.Budget.MaxRows).
		Int64("max_bytes", req.Budget.MaxBytesScanned).
		Dur("timeout", req.Budget.Timeout).
		Msg("Executing query")

	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, finish(), err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release connection")
		}
	}()

	if _, err := lease.Exec(ctx, "SET search_path = '"+req.Dataset+"'"); err != nil {
		if ctx.Err() != nil {
			return nil, finish(), errors.As(ctx.Err())
		}
		return nil, finish(), errors.Wrapf(err, errors.KindNotFound, "dataset %q not found", req.Dataset).
			WithDetail("dataset", req.Dataset)
	}

	if err := explain(ctx, lease, req.SQL); err != nil {
		if ctx.Err() != nil {
			return nil, finish(), errors.As(ctx.Err())
		}
		return nil, finish(), errors.Wrap(err, errors.KindSyntax, "query failed to plan").
			WithDetail("warehouse_error", firstLine(err.Error()))
	}

	execCtx := ctx
	if req.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Budget.Timeout)
		defer cancel()
	}

	stats.Executed = true
	rows, err := lease.Query(execCtx, req.SQL)
	if err != nil {
		return nil, finish(), classifyRunError(ctx, execCtx, err, req.Budget)
	}

	reader, err := converter.NewBatchReader(r.allocator, rows, r.logger)
	if err != nil {
		return nil, finish(), err
	}
	defer reader.Release()

	reader.SetBatchSize(r.batchSize)
	if req.Budget.MaxRows > 0 {
		reader.SetRowLimit(req.Budget.MaxRows + 1)
	}

	var out []models.Row
	for reader.Next() {
		stats.RowsRead = reader.RowsRead()
		stats.BytesScanned = reader.BytesRead()

		if req.Budget.MaxRows > 0 && stats.RowsRead > req.Budget.MaxRows {
			return nil, finish(), errors.Newf(errors.KindBudgetExceeded,
				"query returns more than %d rows", req.Budget.MaxRows).
				WithDetail("limit", "max_rows").
				WithDetail("max_rows", req.Budget.MaxRows)
		}
		if req.Budget.MaxBytesScanned > 0 && stats.BytesScanned > req.Budget.MaxBytesScanned {
			return nil, finish(), errors.Newf(errors.KindBudgetExceeded,
				"query scanned more than %d bytes", req.Budget.MaxBytesScanned).
				WithDetail("limit", "max_bytes_scanned").
				WithDetail("max_bytes_scanned", req.Budget.MaxBytesScanned).
				WithDetail("bytes_scanned", stats.BytesScanned)
		}

		out, err = converter.AppendRows(out, reader.Record())
		if err != nil {
			return nil, finish(), errors.Wrap(err, errors.KindInternal, "failed to convert result rows")
		}
	}
	stats.RowsRead = reader.RowsRead()
	stats.BytesScanned = reader.BytesRead()
	if err := reader.Err(); err != nil {
		return nil, finish(), classifyRunError(ctx, execCtx, err, req.Budget)
	}
	// A context that ends after the last row is still a cancellation.
	if execCtx.Err() != nil {
		return nil, finish(), classifyRunError(ctx, execCtx, execCtx.Err(), req.Budget)
	}

	stats = finish()
	r.logger.Debug().
		Str("execution_id", req.ExecutionID).
		Int64("rows", stats.RowsRead).
		Int64("bytes", stats.BytesScanned).
		Dur("duration", stats.Duration).
		Msg("Query executed")

	return &models.QueryResult{
		ExecutionID:   req.ExecutionID,
		Schema:        reader.Schema(),
		Columns:       converter.Columns(reader.Schema()),
		Rows:          out,
		RowCount:      int64(len(out)),
		BytesScanned:  stats.BytesScanned,
		ExecutionTime: stats.Duration,
	}, stats, nil
}

func explain(ctx context.Context, lease *pool.Lease, sql string) error {
	rows, err := lease.Query(ctx, "EXPLAIN "+sql)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// classifyRunError maps an error raised while the query ran. The caller's
// context ending is a cancellation, the budget deadline is a timeout, and
// anything else is a query failure.
func classifyRunError(parent, execCtx context.Context, err error, budget models.ExecutionBudget) error {
	switch {
	case parent.Err() == context.Canceled:
		return errors.Wrap(err, errors.KindCanceled, "query execution canceled")
	case parent.Err() == context.DeadlineExceeded, execCtx.Err() == context.DeadlineExceeded:
		return errors.Wrapf(err, errors.KindTimeout, "query exceeded timeout of %s", budget.Timeout).
			WithDetail("timeout", budget.Timeout.String())
	}
	if pe := errors.As(err); pe.Kind != errors.KindInternal {
		return pe
	}
	return errors.Wrap(err, errors.KindQueryFailed, "query execution failed").
		WithDetail("warehouse_error", firstLine(err.Error()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
