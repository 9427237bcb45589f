package handlers

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// budgetRequest is the wire form of an execution budget. Timeout is a Go
// duration string such as "30s".
type budgetRequest struct {
	MaxRows         int64  `json:"max_rows,omitempty"`
	MaxBytesScanned int64  `json:"max_bytes_scanned,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

func (b *budgetRequest) budget() (models.ExecutionBudget, error) {
	if b == nil {
		return models.ExecutionBudget{}, nil
	}
	budget := models.ExecutionBudget{MaxRows: b.MaxRows, MaxBytesScanned: b.MaxBytesScanned}
	if b.Timeout != "" {
		d, err := time.ParseDuration(b.Timeout)
		if err != nil {
			return models.ExecutionBudget{}, errors.Wrapf(err, errors.KindInvalidRequest, "invalid timeout %q", b.Timeout)
		}
		budget.Timeout = d
	}
	return budget, nil
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, errors.KindInvalidRequest, "invalid JSON body")
	}
	return nil
}

// writeJSON encodes v before writing status. A value that cannot be encoded
// yields an INTERNAL error body.
func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to encode response", "error", err)
		a.metrics.IncrementCounter("http_errors", "kind", errors.KindInternal)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: errorPayload{
			Kind:    errors.KindInternal,
			Message: "failed to encode response",
		}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		a.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError renders err as an error body. extra is merged into the details
// without touching the error itself.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]interface{}) {
	pe := errors.As(err)
	payload := errorPayload{Kind: pe.Kind, Message: pe.Message}
	if len(pe.Details)+len(extra) > 0 {
		payload.Details = make(map[string]interface{}, len(pe.Details)+len(extra))
		for k, v := range pe.Details {
			payload.Details[k] = v
		}
		for k, v := range extra {
			payload.Details[k] = v
		}
	}

	status := errors.HTTPStatus(pe)
	a.metrics.IncrementCounter("http_errors", "kind", pe.Kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		a.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "kind", pe.Kind)
	}
	a.writeJSON(w, status, errorResponse{Error: payload})
}
