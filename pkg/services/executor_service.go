package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/promptql/pkg/compiler"
	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories"
	"github.com/TFMV/promptql/pkg/repositories/warehouse"
)

const tebibyte = 1 << 40

// BillingConfig prices executions by bytes scanned.
type BillingConfig struct {
	// PricePerTiB is the cost of scanning one TiB.
	PricePerTiB float64
	// MinimumBytes is billed for every query that reaches the warehouse.
	MinimumBytes int64
	// IncrementBytes rounds billed bytes up to a multiple of this size.
	IncrementBytes int64
}

// DefaultBillingConfig returns on-demand style pricing: 10 MiB minimum,
// 1 MiB increments, 5 units per TiB.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		PricePerTiB:    5,
		MinimumBytes:   10 << 20,
		IncrementBytes: 1 << 20,
	}
}

// BilledBytes returns the billable bytes for an execution. Queries rejected
// before reaching the warehouse are free.
func (b BillingConfig) BilledBytes(stats models.ExecutionStats) int64 {
	if !stats.Executed {
		return 0
	}
	billed := stats.BytesScanned
	if billed < b.MinimumBytes {
		billed = b.MinimumBytes
	}
	if b.IncrementBytes > 0 {
		if rem := billed % b.IncrementBytes; rem != 0 {
			billed += b.IncrementBytes - rem
		}
	}
	return billed
}

// Cost converts billed bytes into cost units.
func (b BillingConfig) Cost(billedBytes int64) float64 {
	return float64(billedBytes) / tebibyte * b.PricePerTiB
}

// executorService implements ExecutorService.
type executorService struct {
	repo          repositories.WarehouseRepository
	schemas       SchemaService
	audit         repositories.AuditRepository
	defaultBudget models.ExecutionBudget
	billing       BillingConfig
	logger        Logger
	metrics       MetricsCollector
	now           func() time.Time
}

// NewExecutorService creates a new executor service.
func NewExecutorService(
	repo repositories.WarehouseRepository,
	schemas SchemaService,
	audit repositories.AuditRepository,
	defaultBudget models.ExecutionBudget,
	billing BillingConfig,
	logger Logger,
	metrics MetricsCollector,
) ExecutorService {
	return &executorService{
		repo:          repo,
		schemas:       schemas,
		audit:         audit,
		defaultBudget: defaultBudget,
		billing:       billing,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Execute validates req, runs it on the warehouse and writes an audit record
// whatever the outcome.
func (s *executorService) Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, error) {
	timer := s.metrics.StartTimer("execute")
	defer timer.Stop()

	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}
	req.Budget = req.Budget.WithDefaults(s.defaultBudget)
	started := s.now()

	s.logger.Debug("Executing query",
		"execution_id", req.ExecutionID,
		"session_id", req.SessionID,
		"dataset", req.Dataset,
		"sql", req.SQL)

	var (
		result *models.QueryResult
		stats  models.ExecutionStats
		err    = s.validate(ctx, req)
	)
	if err == nil {
		result, stats, err = s.repo.Execute(ctx, req)
	}

	s.finish(ctx, req, started, result, stats, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validate rejects requests that must not reach the warehouse. Edited SQL is
// held to the same schema checks as compiled SQL, so it can only read tables
// of the requested dataset.
func (s *executorService) validate(ctx context.Context, req models.ExecutionRequest) error {
	if strings.TrimSpace(req.SQL) == "" {
		return errors.New(errors.KindInvalidRequest, "sql is empty")
	}
	if !warehouse.IsDatasetName(req.Dataset) {
		return errors.Newf(errors.KindInvalidRequest, "invalid dataset name %q", req.Dataset)
	}
	if req.Budget.MaxRows < 0 || req.Budget.MaxBytesScanned < 0 || req.Budget.Timeout < 0 {
		return errors.New(errors.KindInvalidRequest, "budget limits cannot be negative")
	}
	if err := compiler.CheckReadOnly(req.SQL); err != nil {
		return err
	}

	schema, err := s.schemas.GetSchema(ctx, req.Dataset)
	if err != nil {
		return err
	}
	_, err = compiler.Validate(req.SQL, schema)
	return err
}

// finish bills, audits and reports one execution.
func (s *executorService) finish(ctx context.Context, req models.ExecutionRequest, started time.Time, result *models.QueryResult, stats models.ExecutionStats, err error) {
	status := statusOf(stats, err)
	billed := s.billing.BilledBytes(stats)
	rec := models.AuditRecord{
		ExecutionID:  req.ExecutionID,
		SessionID:    req.SessionID,
		Dataset:      req.Dataset,
		SQL:          req.SQL,
		Status:       status,
		RowCount:     stats.RowsRead,
		BytesScanned: stats.BytesScanned,
		BilledBytes:  billed,
		Cost:         s.billing.Cost(billed),
		Duration:     stats.Duration,
		StartedAt:    started,
	}
	if result != nil {
		rec.RowCount = result.RowCount
	}
	if err != nil {
		rec.ErrorKind = errors.KindOf(err)
		rec.RowCount = 0
	}

	// The audit write must survive the caller's cancellation.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if auditErr := s.audit.Record(auditCtx, rec); auditErr != nil {
		s.metrics.IncrementCounter("audit_write_errors")
		s.logger.Error("Failed to write audit record", "error", auditErr, "execution_id", rec.ExecutionID)
	}

	s.metrics.IncrementCounter("executions", "status", string(status))
	s.metrics.RecordHistogram("execution_duration_seconds", stats.Duration.Seconds())
	s.metrics.RecordHistogram("execution_scanned_bytes", float64(stats.BytesScanned))

	kv := []interface{}{
		"execution_id", rec.ExecutionID,
		"session_id", rec.SessionID,
		"dataset", rec.Dataset,
		"status", rec.Status,
		"rows", rec.RowCount,
		"bytes_scanned", rec.BytesScanned,
		"billed_bytes", rec.BilledBytes,
		"cost", rec.Cost,
		"duration", rec.Duration,
	}
	if err != nil {
		s.logger.Warn("Query execution failed", append(kv, "error_kind", rec.ErrorKind, "error", err)...)
		return
	}
	s.logger.Info("Query executed", kv...)
}

// AuditLog returns recent audit records.
func (s *executorService) AuditLog(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	if filter.Limit < 0 {
		return nil, errors.New(errors.KindInvalidRequest, "limit cannot be negative")
	}
	return s.audit.List(ctx, filter)
}

func statusOf(stats models.ExecutionStats, err error) models.ExecutionStatus {
	switch {
	case err == nil:
		return models.ExecutionSucceeded
	case errors.IsKind(err, errors.KindCanceled):
		return models.ExecutionCanceled
	case !stats.Executed:
		return models.ExecutionRejected
	default:
		return models.ExecutionFailed
	}
}
