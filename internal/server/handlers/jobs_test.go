package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/annopipe/internal/errors"
	"github.com/3leaps/annopipe/pkg/jobregistry"
)

func jobsRouter(t *testing.T) http.Handler {
	t.Helper()
	reg := jobregistry.NewMemoryRegistry()
	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, reg.Create(context.Background(), &jobregistry.JobRecord{
			JobID:         id,
			AccountID:     "acct-1",
			AccountClass:  jobregistry.AccountStandard,
			InputName:     "a.vcf",
			InputLocation: "inputs/acct-1/" + id + "/a.vcf",
			SubmitTime:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			JobStatus:     jobregistry.JobStatusPending,
		}))
	}
	h := NewJobsHandler(reg)
	r := chi.NewRouter()
	r.Route("/jobs", h.Routes)
	r.Route("/accounts", h.AccountRoutes)
	return r
}

func TestJobsHandler_Get(t *testing.T) {
	r := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got jobregistry.JobRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, jobregistry.JobStatusPending, got.JobStatus)
}

func TestJobsHandler_GetMissing(t *testing.T) {
	r := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestJobsHandler_ListByAccount(t *testing.T) {
	r := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/acct-1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list JobList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Jobs, 2)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/none/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)
}
