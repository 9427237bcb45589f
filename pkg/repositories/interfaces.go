// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"

	"github.com/TFMV/promptql/pkg/models"
)

// WarehouseRepository runs read-only queries against the warehouse.
type WarehouseRepository interface {
	// Execute runs req.SQL against req.Dataset on a dedicated connection and
	// materializes the result within req.Budget. Stats are returned even when
	// execution fails.
	Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, models.ExecutionStats, error)
}

// MetadataRepository describes datasets.
type MetadataRepository interface {
	// GetDatasetSchema returns the tables and columns of a dataset.
	GetDatasetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error)
	// ListDatasets returns the datasets visible to the service.
	ListDatasets(ctx context.Context) ([]string, error)
}

// AuditRepository stores the execution audit log.
type AuditRepository interface {
	// Record appends an audit record.
	Record(ctx context.Context, rec models.AuditRecord) error
	// List returns audit records, newest first.
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
	// Close releases the store.
	Close() error
}
