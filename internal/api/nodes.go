package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
)

// resumeRequest is the JSON body for POST /v1/node-executions/{id}/resume.
type resumeRequest struct {
	Response map[string]any `json:"response"`
	Error    string         `json:"error"`
}

// taskResponseRequest is the JSON body for POST /v1/tasks/{id}/response.
type taskResponseRequest struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ne, err := s.engine.GetNodeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "failed to get node execution")
		return
	}
	s.writeJSON(w, http.StatusOK, ne)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	body, err := s.engine.GetOutcome(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeEngineError(w, err, "failed to get outcome")
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleResumeNode resumes a suspended node execution directly. Only the
// first resume of a suspension takes effect; later ones are accepted and
// ignored.
func (s *Server) handleResumeNode(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var asyncErr error
	if req.Error != "" {
		asyncErr = errors.New(req.Error)
	}
	if err := s.engine.Resume(r.Context(), chi.URLParam(r, "id"), req.Response, asyncErr); err != nil {
		s.writeEngineError(w, err, "failed to resume node execution")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTaskResponse accepts an executor's response for a dispatched task,
// for executors that report back over HTTP instead of the message bus.
func (s *Server) handleTaskResponse(w http.ResponseWriter, r *http.Request) {
	var req taskResponseRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if _, ok := s.dispatcher.Task(id); !ok {
		s.writeError(w, http.StatusNotFound, "task not found or already resolved")
		return
	}
	s.dispatcher.OnResponse(r.Context(), delegate.Response{TaskID: id, Result: req.Result, Error: req.Error})
	w.WriteHeader(http.StatusAccepted)
}
