package handlers

import (
	"net/http"

	"github.com/TFMV/promptql/pkg/models"
	"github.com/TFMV/promptql/pkg/services"
)

type promptRequest struct {
	Prompt      string             `json:"prompt"`
	Dataset     string             `json:"dataset"`
	SchemaHints models.SchemaHints `json:"schema_hints"`
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

type executeRequest struct {
	Dataset string         `json:"dataset"`
	Prompt  string         `json:"prompt"`
	Budget  *budgetRequest `json:"budget"`
}

// resultResponse is the response panel payload of a finished session.
type resultResponse struct {
	SessionID string              `json:"session_id"`
	Result    *models.QueryResult `json:"result"`
	Answer    *models.Answer      `json:"answer,omitempty"`
}

// CreateSession handles POST /api/sessions.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	view := a.orchestrator.CreateSession()
	a.metrics.IncrementCounter("http_sessions_created")
	a.writeJSON(w, http.StatusCreated, view)
}

// GetSession handles GET /api/sessions/{id}.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.orchestrator.GetSession(r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

// DeleteSession handles DELETE /api/sessions/{id}.
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.DeleteSession(r.PathValue("id")); err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitPrompt handles POST /api/sessions/{id}/prompt.
func (a *API) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	timer := a.metrics.StartTimer("http_submit_prompt")
	defer timer.Stop()

	var body promptRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, r, err, nil)
		return
	}

	view, err := a.orchestrator.SubmitPrompt(r.Context(), r.PathValue("id"), models.PipelineRequest{
		Prompt:      body.Prompt,
		Dataset:     body.Dataset,
		SchemaHints: body.SchemaHints,
	})
	a.writeView(w, r, view, err)
}

// EditSQL handles PUT /api/sessions/{id}/sql.
func (a *API) EditSQL(w http.ResponseWriter, r *http.Request) {
	var body sqlRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, r, err, nil)
		return
	}

	view, err := a.orchestrator.EditSQL(r.PathValue("id"), body.SQL)
	a.writeView(w, r, view, err)
}

// ExecuteQuery handles POST /api/sessions/{id}/execute. The execution is tied
// to the request context, so a client that disconnects cancels its query.
func (a *API) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	timer := a.metrics.StartTimer("http_execute")
	defer timer.Stop()

	var body executeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	budget, err := body.Budget.budget()
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}

	view, err := a.orchestrator.ExecuteQuery(r.Context(), r.PathValue("id"), services.ExecuteOptions{
		Budget:  budget,
		Dataset: body.Dataset,
		Prompt:  body.Prompt,
	})
	a.writeView(w, r, view, err)
}

// Cancel handles POST /api/sessions/{id}/cancel.
func (a *API) Cancel(w http.ResponseWriter, r *http.Request) {
	view, err := a.orchestrator.Cancel(r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusAccepted, view)
}

// Result handles GET /api/sessions/{id}/result.
func (a *API) Result(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := a.orchestrator.Result(id)
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}

	resp := resultResponse{SessionID: id, Result: result}
	if view, err := a.orchestrator.GetSession(id); err == nil {
		resp.Answer = view.Answer
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// writeView renders the outcome of a stage call. A failed stage still moved
// the session, so the view travels in the error details.
func (a *API) writeView(w http.ResponseWriter, r *http.Request, view models.SessionView, err error) {
	if err != nil {
		var extra map[string]interface{}
		if view.ID != "" {
			extra = map[string]interface{}{"session": view}
		}
		a.writeError(w, r, err, extra)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}
