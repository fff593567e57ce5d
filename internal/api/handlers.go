package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/log"
	"github.com/cuemby/ci-runner/internal/metrics"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleSubmitStream implements POST /submit-stream: stash the uploaded
// zip, create a queued job, then switch the response into an SSE stream
// whose first event announces job_id (spec §4.3).
func (s *Server) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	job, err := s.stashAndCreateJob(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apperr.New(apperr.Fatal, "streaming unsupported by response writer"))
		return
	}

	sw.Send(event{Type: "job_id", JobID: job.ID})
	s.streamJob(r.Context(), sw, job, true)
}

// handleSubmitAsync implements POST /submit-async: identical persistence,
// but returns {job_id} immediately with no streaming.
func (s *Server) handleSubmitAsync(w http.ResponseWriter, r *http.Request) {
	job, err := s.stashAndCreateJob(r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
}

// stashAndCreateJob is shared by both submission endpoints: read the
// multipart zip from the request, stash it to disk, and persist the job
// row in a single queued state (spec §4.3 "Zip stashing").
func (s *Server) stashAndCreateJob(r *http.Request) (*types.Job, error) {
	userID := UserID(r.Context())

	file, _, err := r.FormFile("project")
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "missing multipart field \"project\"", err)
	}
	defer file.Close()

	path, err := s.stash.Write(file)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "stash submitted project", err)
	}

	job := &types.Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Status:      types.JobStatusQueued,
		ZipFilePath: path,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}
	metrics.JobsSubmittedTotal.Inc()
	return job, nil
}

// handleGetJob implements GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id, UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, apperr.New(apperr.NotFound, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs implements GET /jobs: the caller's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobEvents is a supplemented debug endpoint: a plain JSON polling
// view of a job's persisted event log, for callers that don't want an SSE
// connection (e.g. a dashboard doing periodic refresh). Like the other job
// routes it is scoped to the authenticated caller's own jobs.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id, UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, apperr.New(apperr.NotFound, "job not found"))
		return
	}

	events, err := s.store.ListJobEvents(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleHealthz is the one unauthenticated endpoint (spec §4.3: "every
// endpoint except a liveness probe requires a bearer credential").
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}
