package services

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/TFMV/promptql/pkg/cache"
	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/repositories"
)

// schemaService implements SchemaService. Loads of the same dataset are
// shared between concurrent callers and the result is cached.
type schemaService struct {
	repo    repositories.MetadataRepository
	cache   *cache.Cache[string, *models.DatasetSchema]
	group   singleflight.Group
	logger  Logger
	metrics MetricsCollector
}

// NewSchemaService creates a new schema service.
func NewSchemaService(
	repo repositories.MetadataRepository,
	cacheConfig *cache.Config,
	logger Logger,
	metrics MetricsCollector,
) SchemaService {
	return &schemaService{
		repo:    repo,
		cache:   cache.New[string, *models.DatasetSchema](cacheConfig),
		logger:  logger,
		metrics: metrics,
	}
}

// GetSchema returns the schema of dataset. The returned value is shared and
// must not be modified.
func (s *schemaService) GetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error) {
	if schema, ok := s.cache.Get(dataset); ok {
		s.metrics.IncrementCounter("schema_cache", "result", "hit")
		return schema, nil
	}
	s.metrics.IncrementCounter("schema_cache", "result", "miss")

	ch := s.group.DoChan(dataset, func() (interface{}, error) {
		timer := s.metrics.StartTimer("schema_load")
		defer timer.Stop()

		// The load is shared, so it must not die with the first caller.
		schema, err := s.repo.GetDatasetSchema(context.WithoutCancel(ctx), dataset)
		if err != nil {
			return nil, err
		}
		s.cache.Put(dataset, schema)
		s.logger.Debug("Dataset schema loaded",
			"dataset", dataset,
			"tables", len(schema.Tables),
			"fingerprint", schema.Fingerprint())
		return schema, nil
	})

	select {
	case <-ctx.Done():
		return nil, errors.As(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if !errors.IsValidation(res.Err) && !errors.IsNotFound(res.Err) {
				s.logger.Error("Failed to load dataset schema", "dataset", dataset, "error", res.Err)
			}
			return nil, res.Err
		}
		return res.Val.(*models.DatasetSchema), nil
	}
}

// ListDatasets returns the datasets visible to the service.
func (s *schemaService) ListDatasets(ctx context.Context) ([]string, error) {
	return s.repo.ListDatasets(ctx)
}

// Invalidate drops the cached schema of dataset.
func (s *schemaService) Invalidate(dataset string) {
	s.cache.Delete(dataset)
	s.group.Forget(dataset)
}
