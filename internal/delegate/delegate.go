package delegate

import (
	"context"
	"errors"
	"time"
)

// ErrUnreachable is returned by a Transport when the selected executor cannot
// accept the task.
var ErrUnreachable = errors.New("executor unreachable")

// Transport delivers tasks to executors. Responses arrive asynchronously
// through the ResponseHandler registered with the concrete transport.
type Transport interface {
	// Send hands task to its executor. It returns once the executor accepted
	// the task, not when the work completes.
	Send(ctx context.Context, task Task) error

	// Cancel asks the executor to stop working on a task. Best effort.
	Cancel(ctx context.Context, taskID, executorID string) error
}

// Task is the unit of work sent to an executor.
type Task struct {
	TaskID          string         `json:"task_id"`
	ExecutorID      string         `json:"executor_id"`
	NodeExecutionID string         `json:"node_execution_id"`
	PlanExecutionID string         `json:"plan_execution_id"`
	Category        string         `json:"category"`
	Payload         map[string]any `json:"payload"`
	Deadline        time.Time      `json:"deadline"`
}

// Response is an executor's answer to a task. Error is set when the executor
// could not run the task at all.
type Response struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ResponseHandler receives task responses from a transport.
type ResponseHandler func(ctx context.Context, resp Response)
