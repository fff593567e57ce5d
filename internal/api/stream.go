package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/go-chi/chi/v5"
)

const queuedPollInterval = 250 * time.Millisecond

// handleJobStream implements GET /jobs/{id}/stream?from_beginning=<bool>
// (spec §4.3).
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fromBeginning, _ := strconv.ParseBool(r.URL.Query().Get("from_beginning"))

	job, err := s.store.GetJob(id, UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, apperr.New(apperr.NotFound, "job not found"))
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apperr.New(apperr.Fatal, "streaming unsupported by response writer"))
		return
	}
	s.streamJob(r.Context(), sw, job, fromBeginning)
}

// streamJob drives one SSE connection to completion, implementing the
// per-status behavior of spec §4.3's `/jobs/{id}/stream` table. It is
// shared by the streaming submit endpoint (which always starts from
// queued) and the dedicated stream endpoint (which may attach at any
// status).
func (s *Server) streamJob(ctx context.Context, sw *sseWriter, job *types.Job, fromBeginning bool) {
	status := job.Status

	if status == types.JobStatusQueued {
		var ok bool
		status, ok = s.awaitRunning(ctx, job.ID)
		if !ok {
			sw.Send(event{Type: "log", Data: "timed out waiting for job to start\n"})
			sw.Send(event{Type: "complete", Success: boolPtr(false)})
			return
		}
	}

	if status == types.JobStatusRunning {
		s.tailRunning(ctx, sw, job.ID)
		return
	}

	// Terminal: the container may already be gone, so there is nothing left
	// to tail. Per spec §9's resolution, a terminal job is never a 404 even
	// when from_beginning=true — it just gets the terminal event straight
	// away; the full transcript remains available via GET /jobs/{id}/events.
	s.emitStoredTerminal(sw, job.ID, job.Success)
}

// awaitRunning polls the store for up to the configured stream timeout
// (spec §4.3: "queued: wait up to 30s for transition to running"),
// returning the job's status once it leaves queued, or false on timeout.
func (s *Server) awaitRunning(ctx context.Context, jobID string) (types.JobStatus, bool) {
	deadline := time.Now().Add(s.cfg.StreamQueuedTimeout)
	ticker := time.NewTicker(queuedPollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.GetJob(jobID, "")
		if err == nil && job != nil && job.Status != types.JobStatusQueued {
			return job.Status, true
		}
		if time.Now().After(deadline) {
			return types.JobStatusQueued, false
		}
		select {
		case <-ctx.Done():
			return types.JobStatusQueued, false
		case <-ticker.C:
		}
	}
}

// tailRunning subscribes to the job's live broker and forwards every chunk
// and the terminal event until the broker closes or the client disconnects.
func (s *Server) tailRunning(ctx context.Context, sw *sseWriter, jobID string) {
	broker := s.brokers.GetOrCreate(jobID)
	sub := broker.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if done := s.forward(sw, msg); done {
				return
			}
		}
	}
}

// forward writes one broker message as an SSE event, reporting whether it
// was the terminal event (after which the subscriber channel closes).
func (s *Server) forward(sw *sseWriter, msg any) bool {
	switch m := msg.(type) {
	case logstream.Chunk:
		sw.Send(event{Type: "log", Data: m.Data})
		return false
	case logstream.Complete:
		sw.Send(event{Type: "complete", Success: boolPtr(m.Success)})
		return true
	default:
		return false
	}
}

func (s *Server) emitStoredTerminal(sw *sseWriter, jobID string, success *bool) {
	if success == nil {
		// Job hasn't actually reached a terminal success value yet (a race
		// between the status read and this call); fall back to the store's
		// own persisted complete event if one exists.
		events, err := s.store.ListJobEvents(jobID)
		if err == nil {
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Type == types.EventTypeComplete && events[i].Success != nil {
					sw.Send(event{Type: "complete", Success: events[i].Success})
					return
				}
			}
		}
		sw.Send(event{Type: "complete", Success: boolPtr(false)})
		return
	}
	sw.Send(event{Type: "complete", Success: success})
}
