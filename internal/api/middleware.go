package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/log"
	"github.com/cuemby/ci-runner/internal/metrics"
	"github.com/cuemby/ci-runner/internal/security"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/go-chi/chi/v5/middleware"
)

// authenticate implements the bearer-auth middleware from spec §4.3:
// extract the token, hash it, look it up, reject inactive credentials or
// inactive owners, touch last_used_at best-effort, and attach user_id to
// the request context.
func authenticate(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, apperr.New(apperr.AuthRequired, "missing bearer credential"))
				return
			}

			hash := security.HashKey(token)
			key, err := st.GetAPIKeyByHash(hash)
			if err != nil {
				writeError(w, err)
				return
			}
			if key == nil || !key.IsActive {
				writeError(w, apperr.New(apperr.AuthInvalid, "unknown or revoked api key"))
				return
			}

			user, err := st.GetUser(key.UserID)
			if err != nil {
				writeError(w, err)
				return
			}
			if user == nil || !user.IsActive {
				writeError(w, apperr.New(apperr.AuthInvalid, "owning user is inactive"))
				return
			}

			if err := st.TouchAPIKey(key.ID, time.Now().UTC()); err != nil {
				log.WithComponent("api").Warn().Err(err).Str("key_id", key.ID).Msg("failed to touch api key")
			}

			ctx := withUserID(r.Context(), user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// instrument records request counts and latency per route, in the shape
// the teacher's handlers already report to pkg/metrics.
func instrument(routeLabel string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := metrics.NewTimer()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			timer.ObserveDurationVec(metrics.APIRequestDuration, routeLabel)
			metrics.APIRequestsTotal.WithLabelValues(routeLabel, statusBucket(sw.status)).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so statusWriter doesn't break the
// http.Flusher assertion newSSEWriter relies on for every streaming route.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusBucket(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// requestLogger logs each request at info level with chi's request ID, the
// same component-tagged-logger pattern as the rest of the codebase.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
