package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/ci-runner/internal/apperr"
)

// statusFor maps the closed apperr.Kind taxonomy to the HTTP status codes
// fixed in spec §6. Fatal has no HTTP mapping here: it terminates the owning
// process rather than surfacing as a response (spec §7), so any Fatal that
// reaches a handler is itself a defect and is reported as 500.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.AuthRequired:
		return http.StatusUnauthorized
	case apperr.AuthInvalid:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.RuntimeUnavailable, apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and writes a minimal JSON body. Never
// includes err's full chain or a stack trace in the response (spec §7:
// "never leak stack traces to the client").
func writeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(map[string]string{"error": "upload too large"})
		return
	}

	kind := apperr.KindOf(err)
	status := statusFor(kind)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": publicMessage(kind, err),
	})
}

// publicMessage returns a message safe to show a caller: the apperr message
// for classified errors, a generic one for anything else.
func publicMessage(kind apperr.Kind, err error) string {
	if e, ok := err.(*apperr.Error); ok {
		return e.Message
	}
	if kind == apperr.Fatal {
		return "internal error"
	}
	return err.Error()
}
