// Package server wires the pipeline components and serves them over HTTP and gRPC.
package server

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TFMV/promptql/cmd/server/config"
	"github.com/TFMV/promptql/pkg/compiler"
	"github.com/TFMV/promptql/pkg/handlers"
	"github.com/TFMV/promptql/pkg/infrastructure/memory"
	"github.com/TFMV/promptql/pkg/infrastructure/metrics"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
	"github.com/TFMV/promptql/pkg/llm"
	"github.com/TFMV/promptql/pkg/repositories"
	"github.com/TFMV/promptql/pkg/repositories/sqlite"
	"github.com/TFMV/promptql/pkg/repositories/warehouse"
	"github.com/TFMV/promptql/pkg/services"
	"github.com/TFMV/promptql/pkg/synthesizer"
)

// Pipeline is the wired component graph used by both the server and the
// one-shot ask command.
type Pipeline struct {
	Pool         pool.ConnectionPool
	Allocator    *memory.TrackedAllocator
	Schemas      services.SchemaService
	Executor     services.ExecutorService
	Orchestrator services.Orchestrator
	Info         handlers.ServiceInfo

	audit  repositories.AuditRepository
	logger zerolog.Logger
}

// NewPipeline opens the warehouse and audit store and builds the services.
func NewPipeline(cfg *config.Config, logger zerolog.Logger, collector metrics.Collector, version string) (*Pipeline, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	p, err := pool.New(cfg.PoolConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	p.SetMetricsCollector(metrics.PoolCollector{Collector: collector})

	audit, err := sqlite.NewAuditRepository(cfg.Audit.Path, logger.With().Str("component", "audit").Logger())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	allocator := memory.NewTrackedAllocator(nil)
	serviceMetrics := &serviceMetricsAdapter{collector: collector}
	componentLogger := func(name string) *loggerAdapter {
		return &loggerAdapter{logger: logger.With().Str("component", name).Logger()}
	}

	var translator compiler.Translator = compiler.NewHeuristicTranslator(0)
	if client != nil {
		translator = compiler.NewLLMTranslator(client)
	}
	comp := compiler.New(translator)
	synth := synthesizer.New(client, 0, logger)

	schemas := services.NewSchemaService(
		warehouse.NewMetadataRepository(p, logger.With().Str("component", "metadata").Logger()),
		cfg.SchemaCache(),
		componentLogger("schema_service"),
		serviceMetrics,
	)

	executor := services.NewExecutorService(
		warehouse.NewQueryRepository(p, allocator, logger.With().Str("component", "warehouse").Logger()),
		schemas,
		audit,
		cfg.DefaultBudget(),
		services.BillingConfig{
			PricePerTiB:    cfg.Audit.PricePerTiB,
			MinimumBytes:   cfg.Audit.MinimumBytes,
			IncrementBytes: cfg.Audit.IncrementBytes,
		},
		componentLogger("executor"),
		serviceMetrics,
	)

	orchestrator := services.NewOrchestrator(
		schemas,
		comp,
		executor,
		synth,
		services.OrchestratorConfig{
			DefaultDataset:  cfg.Warehouse.DefaultDataset,
			SessionTTL:      cfg.Session.TTL,
			CleanupInterval: cfg.Session.CleanupInterval,
			CompileCache:    cfg.CompileCache(),
		},
		componentLogger("orchestrator"),
		serviceMetrics,
	)

	llmName := llm.ProviderNone
	if client != nil {
		llmName = client.Name()
	}

	logger.Info().
		Str("driver", p.Driver()).
		Str("translator", comp.TranslatorName()).
		Str("narrator", synth.NarratorName()).
		Str("default_dataset", cfg.Warehouse.DefaultDataset).
		Msg("Pipeline ready")

	return &Pipeline{
		Pool:         p,
		Allocator:    allocator,
		Schemas:      schemas,
		Executor:     executor,
		Orchestrator: orchestrator,
		Info: handlers.ServiceInfo{
			Version:    version,
			Translator: comp.TranslatorName(),
			Narrator:   synth.NarratorName(),
			LLM:        llmName,
			Memory:     allocator.Stats,
		},
		audit:  audit,
		logger: logger,
	}, nil
}

// Close stops the sessions and releases the audit store and the pool.
func (p *Pipeline) Close() error {
	p.Orchestrator.Stop()

	if err := p.audit.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing audit store")
	}
	if err := p.Pool.Close(); err != nil {
		return fmt.Errorf("failed to close connection pool: %w", err)
	}
	return nil
}
