// Package api is the stateless HTTP front-end (spec §4.3): authenticates,
// admits jobs, streams live logs, and serves queries. Any number of
// replicas may run concurrently since all state lives in the store and the
// container runtime.
package api

import (
	"net/http"
	"time"

	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/metrics"
	"github.com/cuemby/ci-runner/internal/stash"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Config configures the Server.
type Config struct {
	StreamQueuedTimeout time.Duration // spec §6 "reconcile_interval"-style tunable; default 30s
	MaxUploadBytes      int64         // 0 disables the limit
}

func (c *Config) setDefaults() {
	if c.StreamQueuedTimeout <= 0 {
		c.StreamQueuedTimeout = 30 * time.Second
	}
}

// Server holds the dependencies every handler needs. It carries no
// request-scoped state of its own: every field here is shared, read-only
// (or internally synchronized) across concurrent requests, which is what
// lets API be freely replicated (spec §4.3).
type Server struct {
	cfg     Config
	store   store.Store
	brokers *logstream.Registry
	stash   *stash.Spool
}

// New builds a Server and its chi router.
func New(cfg Config, st store.Store, brokers *logstream.Registry, spool *stash.Spool) http.Handler {
	cfg.setDefaults()
	s := &Server{cfg: cfg, store: st, brokers: brokers, stash: spool}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	if s.cfg.MaxUploadBytes > 0 {
		r.Use(s.limitBody)
	}

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(authenticate(s.store))

		r.Handle("/metrics", metrics.Handler())
		r.With(instrument("submit_stream")).Post("/submit-stream", s.handleSubmitStream)
		r.With(instrument("submit_async")).Post("/submit-async", s.handleSubmitAsync)
		r.With(instrument("job_stream")).Get("/jobs/{id}/stream", s.handleJobStream)
		r.With(instrument("job_events")).Get("/jobs/{id}/events", s.handleJobEvents)
		r.With(instrument("get_job")).Get("/jobs/{id}", s.handleGetJob)
		r.With(instrument("list_jobs")).Get("/jobs", s.handleListJobs)
	})

	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		next.ServeHTTP(w, r)
	})
}
