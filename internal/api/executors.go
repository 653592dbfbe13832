package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// capacityRecord is one entry of GET /v1/capacity.
type capacityRecord struct {
	model.CapacityRecord
	Utilization float64 `json:"utilization"`
}

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.executors.List())
}

func (s *Server) handleRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	var e delegate.Executor
	if err := decodeBody(w, r, &e); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if e.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if len(e.Capacities) == 0 {
		s.writeError(w, http.StatusBadRequest, "capacities are required")
		return
	}
	e.Static = false

	if err := s.executors.Register(e); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	registered, _ := s.executors.Get(e.ID)
	s.logger.Info("executor registered", "executor_id", e.ID, "capacities", e.Capacities)
	s.writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleDeregisterExecutor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.executors.Deregister(id) {
		s.writeError(w, http.StatusNotFound, "executor not found")
		return
	}
	s.logger.Info("executor deregistered", "executor_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.executors.Heartbeat(chi.URLParam(r, "id"))
	if errors.Is(err, delegate.ErrUnknownExecutor) {
		s.writeError(w, http.StatusNotFound, "executor not found")
		return
	}
	if err != nil {
		s.logger.Error("executor heartbeat", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	records := s.capacity.Snapshot()
	resp := make([]capacityRecord, len(records))
	for i, rec := range records {
		resp[i] = capacityRecord{CapacityRecord: rec, Utilization: rec.Utilization()}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
