// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/TFMV/promptql/pkg/models"
)

// ExecutorService runs queries against the warehouse under a budget.
type ExecutorService interface {
	Execute(ctx context.Context, req models.ExecutionRequest) (*models.QueryResult, error)
	AuditLog(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
}

// SchemaService resolves dataset schemas.
type SchemaService interface {
	GetSchema(ctx context.Context, dataset string) (*models.DatasetSchema, error)
	ListDatasets(ctx context.Context) ([]string, error)
	Invalidate(dataset string)
}

// Orchestrator drives sessions through the prompt, SQL and answer stages.
type Orchestrator interface {
	CreateSession() models.SessionView
	GetSession(id string) (models.SessionView, error)
	DeleteSession(id string) error
	SubmitPrompt(ctx context.Context, id string, req models.PipelineRequest) (models.SessionView, error)
	EditSQL(id string, sql string) (models.SessionView, error)
	ExecuteQuery(ctx context.Context, id string, opts ExecuteOptions) (models.SessionView, error)
	Cancel(id string) (models.SessionView, error)
	Result(id string) (*models.QueryResult, error)
	Ask(ctx context.Context, req models.PipelineRequest, budget models.ExecutionBudget) (*AskResult, error)
	Stop()
}

// Compiler compiles prompts into SQL.
type Compiler interface {
	Compile(ctx context.Context, req models.PipelineRequest, schema *models.DatasetSchema) (*models.CompiledQuery, error)
}

// Synthesizer narrates query results.
type Synthesizer interface {
	Synthesize(ctx context.Context, result *models.QueryResult, prompt string) (*models.Answer, error)
}

// ExecuteOptions parameterizes ExecuteQuery.
type ExecuteOptions struct {
	Budget models.ExecutionBudget
	// Dataset is used when the session SQL was entered without a prompt.
	Dataset string
	// Prompt is the question manual SQL answers. The synthesizer narrates
	// against it. A session compiled from a prompt keeps its own.
	Prompt string
}

// AskResult is the outcome of a one-shot pipeline run. SQL is set as soon as
// the prompt compiled, even when a later stage failed.
type AskResult struct {
	SessionID string
	SQL       string
	Result    *models.QueryResult
	Answer    *models.Answer
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
