package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
)

// startPlanRequest is the JSON body for POST /v1/plan-executions. When Plan is
// omitted the plan is looked up by id in the configured plan sources.
type startPlanRequest struct {
	PlanExecutionID string     `json:"plan_execution_id"`
	Plan            *plan.Plan `json:"plan"`
}

// startPlanResponse is returned once the plan execution has been accepted.
type startPlanResponse struct {
	PlanExecutionID string           `json:"plan_execution_id"`
	Status          model.PlanStatus `json:"status"`
}

// interventionRequest is the JSON body for POST /v1/plan-executions/{id}/interventions.
type interventionRequest struct {
	NodeExecutionID string       `json:"node_execution_id"`
	Action          model.Action `json:"action"`
}

func (s *Server) handleStartPlan(w http.ResponseWriter, r *http.Request) {
	var req startPlanRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.PlanExecutionID == "" {
		if req.Plan == nil {
			s.writeError(w, http.StatusBadRequest, "plan_execution_id or plan is required")
			return
		}
		req.PlanExecutionID = model.NewID()
	}
	if req.Plan != nil {
		s.plans.Put(req.PlanExecutionID, req.Plan)
	}

	if err := s.engine.StartPlan(r.Context(), req.PlanExecutionID); err != nil {
		s.writeEngineError(w, err, "failed to start plan")
		return
	}

	s.writeJSON(w, http.StatusAccepted, startPlanResponse{
		PlanExecutionID: req.PlanExecutionID,
		Status:          model.PlanRunning,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	var statuses []model.PlanStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for part := range strings.SplitSeq(v, ",") {
			statuses = append(statuses, model.PlanStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	plans, err := s.engine.ListPlanExecutions(r.Context(), statuses...)
	if err != nil {
		s.writeEngineError(w, err, "failed to list plans")
		return
	}
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && len(plans) > limit {
		plans = plans[:limit]
	}
	if plans == nil {
		plans = []*model.PlanExecution{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	pe, err := s.engine.GetPlanExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "failed to get plan")
		return
	}
	s.writeJSON(w, http.StatusOK, pe)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.ListNodeExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "failed to list node executions")
		return
	}
	if nodes == nil {
		nodes = []*model.NodeExecution{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleAbortPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.AbortPlan(r.Context(), id); err != nil {
		s.writeEngineError(w, err, "failed to abort plan")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"plan_execution_id": id, "status": "aborting"})
}

func (s *Server) handleIntervene(w http.ResponseWriter, r *http.Request) {
	var req interventionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NodeExecutionID == "" || req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "node_execution_id and action are required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.engine.Intervene(r.Context(), id, req.NodeExecutionID, req.Action); err != nil {
		s.writeEngineError(w, err, "failed to apply intervention")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
