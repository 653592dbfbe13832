package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	ActivePlans int    `json:"active_plans"`
	Executors   int    `json:"executors"`
	OpenTasks   int    `json:"open_tasks"`
}

// handleHealthz reports the engine's load and whether its store answers. An
// unreachable store makes the orchestrator unable to record progress, so it
// is reported as 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Store:       "ok",
		ActivePlans: s.engine.ActivePlans(),
		Executors:   len(s.executors.List()),
		OpenTasks:   len(s.dispatcher.Open()),
	}
	status := http.StatusOK
	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
