package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/engine"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine error to its HTTP status. Unexpected errors
// are logged and reported as 500 with the given fallback message.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, engine.ErrPlanNotFound), errors.Is(err, engine.ErrNodeNotFound),
		errors.Is(err, plan.ErrPlanNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrMalformedPlan), errors.Is(err, engine.ErrInvalidAction):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrPlanTerminal), errors.Is(err, engine.ErrLeaseHeld),
		errors.Is(err, engine.ErrNotAwaitingIntervention):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrMailboxFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeBody decodes a size-limited JSON request body into v. An empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
