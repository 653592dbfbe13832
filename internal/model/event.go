package model

import "time"

// Event types emitted on the event bus.
const (
	EventNodeStatus      = "node.status"
	EventPlanStatus      = "plan.status"
	EventAdviserDecision = "adviser.decision"
)

// Event is a node or plan lifecycle notification.
type Event struct {
	Type            string    `json:"type"`
	PlanExecutionID string    `json:"plan_execution_id"`
	NodeExecutionID string    `json:"node_execution_id,omitempty"`
	PlanNodeID      string    `json:"plan_node_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Action          Action    `json:"action,omitempty"`
	RetryCount      int       `json:"retry_count,omitempty"`
	Message         string    `json:"message,omitempty"`
	At              time.Time `json:"at"`
}
