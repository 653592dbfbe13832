// Package step defines the capability interface every step kind implements
// and the registry the engine resolves step types from.
package step

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// Input is what a step sees of its node execution.
type Input struct {
	PlanExecutionID string
	NodeExecutionID string
	PlanNodeID      string
	Params          map[string]any
	RetryCount      int
	FanOutIndex     int
	Rollback        bool
}

// AsyncRequest asks the engine to dispatch a task and suspend the node until
// the executor answers.
type AsyncRequest struct {
	Category  string
	Selectors []string
	Capacity  int
	Payload   map[string]any
}

// Result is the outcome of running a step. Exactly one of Async or Failure is
// set, or neither when the step succeeded synchronously.
type Result struct {
	Outputs map[string]any
	Async   *AsyncRequest
	Failure *model.FailureInfo
}

// Succeeded returns a synchronous success.
func Succeeded(outputs map[string]any) Result {
	return Result{Outputs: outputs}
}

// Failed returns a synchronous failure.
func Failed(kind, message string, retryable bool) Result {
	return Result{Failure: &model.FailureInfo{Kind: kind, Message: message, Retryable: retryable}}
}

// Dispatch returns a result that suspends the node on a remote task.
func Dispatch(req AsyncRequest) Result {
	return Result{Async: &req}
}

// Step is the behaviour of one step kind. Execute runs when the node starts;
// Resume runs the continuation after a dispatched task answers. A returned
// error fails the node as a non-retryable step error.
type Step interface {
	Execute(ctx context.Context, in Input) (Result, error)
	Resume(ctx context.Context, in Input, response map[string]any, asyncErr error) (Result, error)
}

// Registry maps step types to implementations.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step kind under stepType, replacing any existing one.
func (r *Registry) Register(stepType string, s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[stepType] = s
}

// Resolve returns the step registered for stepType.
func (r *Registry) Resolve(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("step type %q is not registered", stepType)
	}
	return s, nil
}

// Has reports whether stepType is registered.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[stepType]
	return ok
}

// Types returns the registered step types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
