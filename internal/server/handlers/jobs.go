package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/annopipe/internal/errors"
	"github.com/3leaps/annopipe/pkg/jobregistry"
)

// JobsHandler serves read-only job lookups from the registry.
type JobsHandler struct {
	registry jobregistry.Registry
}

func NewJobsHandler(r jobregistry.Registry) *JobsHandler {
	return &JobsHandler{registry: r}
}

// Routes mounts GET /{job_id}.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/{job_id}", h.Get)
}

// AccountRoutes mounts GET /{account_id}/jobs.
func (h *JobsHandler) AccountRoutes(r chi.Router) {
	r.Get("/{account_id}/jobs", h.ListByAccount)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	rec, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			respondWithError(w, r, apperrors.NotFound("job "+id+" not found"))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, rec)
}

// JobList is the body of an account listing.
type JobList struct {
	AccountID string                  `json:"account_id"`
	Jobs      []jobregistry.JobRecord `json:"jobs"`
}

func (h *JobsHandler) ListByAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account_id")
	recs, err := h.registry.ListByAccount(r.Context(), account)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if recs == nil {
		recs = []jobregistry.JobRecord{}
	}
	writeJSON(w, JobList{AccountID: account, Jobs: recs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
