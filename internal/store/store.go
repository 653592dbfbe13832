// Package store persists plan executions, node executions, dispatched tasks,
// outcomes and plan leases.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a node execution update would
	// break the status state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseHeld is returned when another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
)

// Lease is the ownership token for driving one plan execution.
type Lease struct {
	PlanExecutionID string    `json:"plan_execution_id"`
	Owner           string    `json:"owner"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Store defines the persistence operations of the engine.
type Store interface {
	CreatePlanExecution(ctx context.Context, pe *model.PlanExecution, definition []byte) error
	UpdatePlanExecution(ctx context.Context, pe *model.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*model.PlanExecution, error)
	GetPlanDefinition(ctx context.Context, id string) ([]byte, error)
	ListPlanExecutions(ctx context.Context, statuses ...model.PlanStatus) ([]*model.PlanExecution, error)

	SaveNodeExecution(ctx context.Context, ne *model.NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*model.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*model.NodeExecution, error)

	SaveTask(ctx context.Context, task model.DispatchedTask) error
	ListOpenTasks(ctx context.Context, planExecutionID string) ([]model.DispatchedTask, error)

	SaveOutcome(ctx context.Context, ref string, planExecutionID string, body map[string]any) error
	GetOutcome(ctx context.Context, ref string) (map[string]any, error)

	AcquireLease(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (Lease, error)
	RenewLease(ctx context.Context, planExecutionID, owner string, ttl time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, planExecutionID, owner string) error

	Ping(ctx context.Context) error
	Close() error
}
