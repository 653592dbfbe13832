package step

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// Built-in step types.
const (
	TypeNoop         = "Noop"
	TypeDelegateTask = "DelegateTask"
	TypeAssert       = "Assert"
)

// errNoContinuation is returned by steps that never suspend.
var errNoContinuation = errors.New("step does not suspend")

// NewDefaultRegistry returns a registry holding the built-in step kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeNoop, Noop{})
	r.Register(TypeDelegateTask, DelegateTask{})
	r.Register(TypeAssert, Assert{})
	return r
}

// Noop succeeds immediately, echoing params["outputs"] when present.
type Noop struct{}

// Execute implements Step.
func (Noop) Execute(_ context.Context, in Input) (Result, error) {
	out, _ := in.Params["outputs"].(map[string]any)
	return Succeeded(maps.Clone(out)), nil
}

// Resume implements Step.
func (Noop) Resume(context.Context, Input, map[string]any, error) (Result, error) {
	return Result{}, errNoContinuation
}

// DelegateTask dispatches params["payload"] to an executor serving
// params["category"] and interprets the executor's response.
//
// Response fields: status (SUCCESS or FAILURE), output, exit_code, retryable
// and failure_kind.
type DelegateTask struct{}

// Execute implements Step.
func (DelegateTask) Execute(_ context.Context, in Input) (Result, error) {
	category, _ := in.Params["category"].(string)
	if category == "" {
		category = "shell"
	}
	payload, _ := in.Params["payload"].(map[string]any)
	payload = maps.Clone(payload)
	if payload == nil {
		payload = map[string]any{}
	}
	capacity, err := intParam(in.Params, "capacity", 1)
	if err != nil {
		return Result{}, err
	}
	selectors, err := stringsParam(in.Params, "selectors")
	if err != nil {
		return Result{}, err
	}
	return Dispatch(AsyncRequest{
		Category:  category,
		Selectors: selectors,
		Capacity:  capacity,
		Payload:   payload,
	}), nil
}

// Resume implements Step.
func (DelegateTask) Resume(_ context.Context, _ Input, response map[string]any, asyncErr error) (Result, error) {
	if asyncErr != nil {
		return Failed(model.FailureTask, asyncErr.Error(), true), nil
	}
	status, _ := response["status"].(string)
	switch status {
	case "", "SUCCESS":
		out := map[string]any{}
		for _, k := range []string{"output", "exit_code"} {
			if v, ok := response[k]; ok {
				out[k] = v
			}
		}
		return Succeeded(out), nil
	case "FAILURE":
		retryable := true
		if v, ok := response["retryable"].(bool); ok {
			retryable = v
		}
		kind, _ := response["failure_kind"].(string)
		if kind == "" {
			kind = model.FailureTask
		}
		msg, _ := response["error"].(string)
		if msg == "" {
			msg = "task reported failure"
		}
		return Failed(kind, msg, retryable), nil
	default:
		return Failed(model.FailureStepError, fmt.Sprintf("unknown task status %q", status), false), nil
	}
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}

func stringsParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("param %q must be a list of strings", key)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q must be a list of strings, got %T", key, v)
	}
}
