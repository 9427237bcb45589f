package handlers

import (
	"net/http"
	"strconv"

	"github.com/TFMV/promptql/pkg/errors"
	"github.com/TFMV/promptql/pkg/models"
)

// ListDatasets handles GET /api/datasets.
func (a *API) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := a.schemas.ListDatasets(r.Context())
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	if datasets == nil {
		datasets = []string{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"datasets": datasets})
}

// DatasetSchema handles GET /api/datasets/{dataset}/schema. refresh=true
// drops the cached schema first.
func (a *API) DatasetSchema(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		a.schemas.Invalidate(dataset)
	}

	schema, err := a.schemas.GetSchema(r.Context(), dataset)
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusOK, schema)
}

// AuditLog handles GET /api/audit?session_id=&limit=.
func (a *API) AuditLog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.AuditFilter{SessionID: query.Get("session_id")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			a.writeError(w, r, errors.Newf(errors.KindInvalidRequest, "invalid limit %q", raw), nil)
			return
		}
		filter.Limit = limit
	}

	records, err := a.executor.AuditLog(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err, nil)
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"executions": records})
}
