package warehouse

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories"
)

// metadataRepository implements repositories.MetadataRepository over
// information_schema, which both DuckDB and Postgres expose.
type metadataRepository struct {
	pool   pool.ConnectionPool
	logger zerolog.Logger
}

// NewMetadataRepository creates a new metadata repository.
func NewMetadataRepository(p pool.ConnectionPool, logger zerolog.Logger) repositories.MetadataRepository {
	return &metadataRepository{
		pool:   p,
		logger: logger.With().Str("component", "metadata").Logger(),
	}
}

const columnsQuery = `SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_catalog = current_database() AND table_schema = $1
ORDER BY table_name, ordinal_position`

const schemaExistsQuery = `SELECT count(*)
FROM information_schema.schemata
WHERE catalog_name = current_database() AND schema_name = $1`

const datasetsQuery = `SELECT schema_name
FROM information_schema.schemata
WHERE catalog_name = current_database()
  AND schema_name <> 'information_schema'
  AND left(schema_name, 3) <> 'pg_'
ORDER BY schema_name`

// GetDatasetSchema returns the tables and columns of a dataset.
func (r *metadataRepository) GetDatasetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error) {
	if !IsDatasetName(dataset) {
		return nil, errors.Newf(errors.KindInvalidRequest, "invalid dataset name %q", dataset)
	}

	start := time.Now()
	db, err := r.pool.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, columnsQuery, dataset)
	if err != nil {
		return nil, r.queryError(ctx, err, "failed to query columns")
	}
	defer rows.Close()

	schema := &models.DatasetSchema{Dataset: dataset}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan column")
		}
		n := len(schema.Tables)
		if n == 0 || schema.Tables[n-1].Name != table {
			schema.Tables = append(schema.Tables, models.Table{Name: table})
			n++
		}
		schema.Tables[n-1].Columns = append(schema.Tables[n-1].Columns, models.Column{
			Name:     column,
			DataType: dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, r.queryError(ctx, err, "failed to read columns")
	}

	if len(schema.Tables) == 0 {
		exists, err := r.schemaExists(ctx, db, dataset)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Newf(errors.KindNotFound, "dataset %q not found", dataset).
				WithDetail("dataset", dataset)
		}
	}

	r.logger.Debug().
		Str("dataset", dataset).
		Int("tables", len(schema.Tables)).
		Dur("duration", time.Since(start)).
		Msg("Loaded dataset schema")

	return schema, nil
}

func (r *metadataRepository) schemaExists(ctx context.Context, db *sql.DB, dataset string) (bool, error) {
	var n int64
	if err := db.QueryRowContext(ctx, schemaExistsQuery, dataset).Scan(&n); err != nil {
		return false, r.queryError(ctx, err, "failed to look up dataset")
	}
	return n > 0, nil
}

// ListDatasets returns the schemas of the current database.
func (r *metadataRepository) ListDatasets(ctx context.Context) ([]string, error) {
	db, err := r.pool.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, datasetsQuery)
	if err != nil {
		return nil, r.queryError(ctx, err, "failed to list datasets")
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan dataset")
		}
		datasets = append(datasets, name)
	}
	if err := rows.Err(); err != nil {
		return nil, r.queryError(ctx, err, "failed to list datasets")
	}
	return datasets, nil
}

func (r *metadataRepository) queryError(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return errors.As(ctx.Err())
	}
	r.logger.Error().Err(err).Msg(msg)
	return errors.Wrap(err, errors.KindUnavailable, msg)
}
