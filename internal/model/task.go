package model

import "time"

// TaskStatus is the status of a DispatchedTask.
type TaskStatus string

// Dispatched task status constants.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskDelivered TaskStatus = "DELIVERED"
	TaskResponded TaskStatus = "RESPONDED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the task has been resolved.
func (s TaskStatus) Terminal() bool {
	return s == TaskResponded || s == TaskTimedOut || s == TaskCancelled
}

// DispatchedTask correlates one outbound unit of work to a NodeExecution.
type DispatchedTask struct {
	TaskID          string         `json:"task_id"`
	NodeExecutionID string         `json:"node_execution_id"`
	PlanExecutionID string         `json:"plan_execution_id"`
	ExecutorID      string         `json:"executor_id"`
	Category        string         `json:"category"`
	Capacity        int            `json:"capacity"`
	Payload         map[string]any `json:"payload,omitempty"`
	Deadline        time.Time      `json:"deadline"`
	TimeoutToken    string         `json:"timeout_token"`
	Status          TaskStatus     `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TimeoutEntry guards one suspension of a node execution.
type TimeoutEntry struct {
	NodeExecutionID string    `json:"node_execution_id"`
	PlanExecutionID string    `json:"plan_execution_id"`
	Deadline        time.Time `json:"deadline"`
	CallbackToken   string    `json:"callback_token"`
}

// CapacityRecord is the load of one executor for one task category.
type CapacityRecord struct {
	ExecutorID       string `json:"executor_id"`
	Category         string `json:"category"`
	TotalCapacity    int    `json:"total_capacity"`
	ReservedCapacity int    `json:"reserved_capacity"`
}

// Utilization returns reserved/total, or 1 when the executor has no capacity.
func (r CapacityRecord) Utilization() float64 {
	if r.TotalCapacity <= 0 {
		return 1
	}
	return float64(r.ReservedCapacity) / float64(r.TotalCapacity)
}

// BarrierInstance is one synchronization point for a fan-out.
type BarrierInstance struct {
	BarrierID           string   `json:"barrier_id"`
	PlanExecutionID     string   `json:"plan_execution_id"`
	StrategyExecutionID string   `json:"strategy_execution_id"`
	Expected            int      `json:"expected"`
	Arrived             []string `json:"arrived"`
	Released            int      `json:"released"`
	MaxConcurrency      int      `json:"max_concurrency"`
}
