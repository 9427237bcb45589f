package handlers

import (
	"net/http"
	"time"

	"github.com/TFMV/promptql/pkg/infrastructure/memory"
	"github.com/TFMV/promptql/pkg/services"
)

// ServiceInfo describes the running service for the health endpoint.
type ServiceInfo struct {
	Version    string
	Translator string
	Narrator   string
	LLM        string
	StartedAt  time.Time
	// Memory reports result buffer usage. Optional.
	Memory func() memory.Stats
}

// API serves the HTTP interface of the pipeline.
type API struct {
	orchestrator services.Orchestrator
	schemas      services.SchemaService
	executor     services.ExecutorService
	warehouse    WarehouseStatus
	info         ServiceInfo
	logger       Logger
	metrics      MetricsCollector
}

// NewAPI creates a new API.
func NewAPI(
	orchestrator services.Orchestrator,
	schemas services.SchemaService,
	executor services.ExecutorService,
	warehouse WarehouseStatus,
	info ServiceInfo,
	logger Logger,
	metrics MetricsCollector,
) *API {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	return &API{
		orchestrator: orchestrator,
		schemas:      schemas,
		executor:     executor,
		warehouse:    warehouse,
		info:         info,
		logger:       logger,
		metrics:      metrics,
	}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.Health)

	mux.HandleFunc("POST /api/chat", a.Chat)

	mux.HandleFunc("POST /api/sessions", a.CreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", a.GetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.DeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/prompt", a.SubmitPrompt)
	mux.HandleFunc("PUT /api/sessions/{id}/sql", a.EditSQL)
	mux.HandleFunc("POST /api/sessions/{id}/execute", a.ExecuteQuery)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", a.Cancel)
	mux.HandleFunc("GET /api/sessions/{id}/result", a.Result)

	mux.HandleFunc("GET /api/datasets", a.ListDatasets)
	mux.HandleFunc("GET /api/datasets/{dataset}/schema", a.DatasetSchema)
	mux.HandleFunc("GET /api/audit", a.AuditLog)
}

// Handler returns a mux serving the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}
