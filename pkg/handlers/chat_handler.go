package handlers

import (
	"net/http"

	"github.com/TFMV/promptql/pkg/models"
)

type chatRequest struct {
	Prompt      string             `json:"prompt"`
	Dataset     string             `json:"dataset"`
	SchemaHints models.SchemaHints `json:"schema_hints"`
	Budget      *budgetRequest     `json:"budget"`
}

// chatResponse is the one-shot answer. ToolCallsMade counts the warehouse
// executions the run performed.
type chatResponse struct {
	Response      string `json:"response"`
	SQL           string `json:"sql"`
	RowCount      int64  `json:"row_count"`
	ToolCallsMade int    `json:"tool_calls_made"`
}

// Chat handles POST /api/chat: compile, execute and narrate in one call.
func (a *API) Chat(w http.ResponseWriter, r *http.Request) {
	timer := a.metrics.StartTimer("http_chat")
	defer timer.Stop()

	var body chatRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	budget, err := body.Budget.budget()
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}

	res, err := a.orchestrator.Ask(r.Context(), models.PipelineRequest{
		Prompt:      body.Prompt,
		Dataset:     body.Dataset,
		SchemaHints: body.SchemaHints,
	}, budget)
	if err != nil {
		var extra map[string]interface{}
		if res != nil && res.SQL != "" {
			extra = map[string]interface{}{"sql": res.SQL}
		}
		a.writeError(w, r, err, extra)
		return
	}

	resp := chatResponse{SQL: res.SQL, ToolCallsMade: 1}
	if res.Answer != nil {
		resp.Response = res.Answer.Text
	}
	if res.Result != nil {
		resp.RowCount = res.Result.RowCount
	}
	a.logger.Info("Chat answered", "session_id", res.SessionID, "rows", resp.RowCount)
	a.writeJSON(w, http.StatusOK, resp)
}
