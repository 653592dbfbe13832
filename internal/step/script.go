package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

const evalTimeout = time.Second

// Eval runs a JavaScript expression with vars bound as globals and returns
// its truthiness. Evaluation is interrupted after one second or when ctx ends.
func Eval(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	vm := goja.New()
	for name, v := range vars {
		if err := vm.Set(name, v); err != nil {
			return false, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("evaluation timed out") })
	defer stop()

	v, err := vm.RunString(expr)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, fmt.Errorf("evaluate %q: interrupted", expr)
		}
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return v.ToBoolean(), nil
}

// Assert fails the node unless params["expression"] is truthy. The expression
// sees the node params as `params`, plus `retryCount` and `index`.
type Assert struct{}

// Execute implements Step.
func (Assert) Execute(ctx context.Context, in Input) (Result, error) {
	expr, _ := in.Params["expression"].(string)
	if expr == "" {
		return Failed(model.FailureValidation, "assert requires an expression", false), nil
	}
	ok, err := Eval(ctx, expr, map[string]any{
		"params":     in.Params,
		"retryCount": in.RetryCount,
		"index":      in.FanOutIndex,
	})
	if err != nil {
		return Failed(model.FailureValidation, err.Error(), false), nil
	}
	if !ok {
		return Failed(model.FailureValidation, fmt.Sprintf("assertion failed: %s", expr), false), nil
	}
	return Succeeded(map[string]any{"result": true}), nil
}

// Resume implements Step.
func (Assert) Resume(context.Context, Input, map[string]any, error) (Result, error) {
	return Result{}, errNoContinuation
}
