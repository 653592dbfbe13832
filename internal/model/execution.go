package model

import (
	"slices"
	"time"
)

// Failure kinds recorded in FailureInfo.
const (
	FailureTask                = "TASK_FAILURE"
	FailureTimeout             = "TIMEOUT"
	FailureNoAvailableExecutor = "NO_AVAILABLE_EXECUTOR"
	FailureCapacityExhausted   = "CAPACITY_EXHAUSTED"
	FailureValidation          = "VALIDATION"
	FailureStepError           = "STEP_ERROR"
	FailureEngineRestart       = "ENGINE_RESTART"
	FailureBarrierAborted      = "BARRIER_ABORTED"
)

// FailureInfo describes why a node execution failed.
type FailureInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NodeExecution is one runtime activation of a PlanNode. A retry is a new
// NodeExecution sharing PlanNodeID with RetryCount incremented.
type NodeExecution struct {
	ID                  string `json:"id"`
	PlanNodeID          string `json:"plan_node_id"`
	PlanExecutionID     string `json:"plan_execution_id"`
	ParentID            string `json:"parent_id,omitempty"`
	StrategyExecutionID string `json:"strategy_execution_id,omitempty"`
	// Scope is empty for forward nodes and names the rollback run otherwise.
	Scope         string       `json:"scope,omitempty"`
	FanOutIndex   int          `json:"fan_out_index"`
	Status        Status       `json:"status"`
	RetryCount    int          `json:"retry_count"`
	Rollback      bool         `json:"rollback,omitempty"`
	AdviserAction Action       `json:"adviser_action,omitempty"`
	OutcomeRefs   []string     `json:"outcome_refs"`
	FailureInfo   *FailureInfo `json:"failure_info,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartTime     *time.Time   `json:"start_time,omitempty"`
	EndTime       *time.Time   `json:"end_time,omitempty"`
}

// Clone returns a deep copy of n.
func (n *NodeExecution) Clone() *NodeExecution {
	c := *n
	c.OutcomeRefs = slices.Clone(n.OutcomeRefs)
	if n.FailureInfo != nil {
		fi := *n.FailureInfo
		c.FailureInfo = &fi
	}
	if n.StartTime != nil {
		t := *n.StartTime
		c.StartTime = &t
	}
	if n.EndTime != nil {
		t := *n.EndTime
		c.EndTime = &t
	}
	return &c
}

// PlanExecution is the runtime record of one plan run.
type PlanExecution struct {
	ID           string     `json:"id"`
	Status       PlanStatus `json:"status"`
	RollbackMode bool       `json:"rollback_mode"`
	Error        string     `json:"error,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
