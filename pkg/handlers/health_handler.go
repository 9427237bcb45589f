package handlers

import (
	"net/http"
	"time"

	"github.com/TFMV/promptql/pkg/infrastructure/memory"
	"github.com/TFMV/promptql/pkg/infrastructure/pool"
)

type healthResponse struct {
	Status     string         `json:"status"`
	AgentReady bool           `json:"agent_ready"`
	Version    string         `json:"version,omitempty"`
	Warehouse  string         `json:"warehouse"`
	Translator string         `json:"translator"`
	Narrator   string         `json:"narrator"`
	LLM        string         `json:"llm,omitempty"`
	Uptime     string         `json:"uptime"`
	Pool       pool.PoolStats `json:"pool"`
	Memory     *memory.Stats  `json:"memory,omitempty"`
}

// Health handles GET /health. The service is degraded, and answers 503,
// while the warehouse pool fails its health checks.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	healthy := a.warehouse.Healthy()
	resp := healthResponse{
		Status:     "ok",
		AgentReady: healthy,
		Version:    a.info.Version,
		Warehouse:  a.warehouse.Driver(),
		Translator: a.info.Translator,
		Narrator:   a.info.Narrator,
		LLM:        a.info.LLM,
		Uptime:     time.Since(a.info.StartedAt).Round(time.Second).String(),
		Pool:       a.warehouse.Stats(),
	}

	if a.info.Memory != nil {
		stats := a.info.Memory()
		resp.Memory = &stats
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, resp)
}
