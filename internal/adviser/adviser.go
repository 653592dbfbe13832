// Package adviser maps a failed node execution to the next control action.
// Advise is a pure function: the same execution and policy always yield the
// same advice, and applying it is left to the plan driver.
package adviser

import (
	"fmt"
	"slices"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

// Advice is the adviser's decision for one node execution.
type Advice struct {
	Action model.Action
	// Wait is how long to wait before a retry.
	Wait   time.Duration
	Reason string
}

// DefaultPolicy applies to nodes without an adviser policy: no retries and a
// node-level rollback on failure.
var DefaultPolicy = model.AdviserPolicy{
	AfterRetries: model.ActionOnFailRollback,
	OnFailure:    model.ActionOnFailRollback,
}

func isRetry(a model.Action) bool {
	return a == model.ActionRetry || a == model.ActionRetryWithRollback
}

// normalize fills defaults and removes configurations that would retry forever.
func normalize(p *model.AdviserPolicy) model.AdviserPolicy {
	if p == nil {
		return DefaultPolicy
	}
	out := *p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if !isRetry(out.RetryAction) {
		out.RetryAction = model.ActionRetry
	}
	if out.AfterRetries == "" || isRetry(out.AfterRetries) {
		out.AfterRetries = DefaultPolicy.AfterRetries
	}
	if out.OnFailure == "" {
		out.OnFailure = DefaultPolicy.OnFailure
	}
	return out
}

// Advise decides what to do with a terminal node execution. SUCCEEDED always
// proceeds. A retryable failure is retried while RetryCount is below
// MaxRetries and escalates to AfterRetries once the bound is reached. Other
// failures take OnFailure; an OnFailure of RETRY opts them into the retry path.
func Advise(exec model.NodeExecution, policy *model.AdviserPolicy) Advice {
	if exec.Status == model.StatusSucceeded {
		return Advice{Action: model.ActionProceed, Reason: "succeeded"}
	}

	p := normalize(policy)
	fi := failureOf(exec)

	retryable := fi.Retryable && kindApplies(p.FailureKinds, fi.Kind)
	if !retryable && !isRetry(p.OnFailure) {
		return Advice{
			Action: p.OnFailure,
			Reason: fmt.Sprintf("%s failure is not retryable", fi.Kind),
		}
	}
	if exec.RetryCount < p.MaxRetries {
		return Advice{
			Action: p.RetryAction,
			Wait:   retryWait(p.RetryWaitMS, exec.RetryCount),
			Reason: fmt.Sprintf("retry %d of %d", exec.RetryCount+1, p.MaxRetries),
		}
	}
	return Advice{
		Action: p.AfterRetries,
		Reason: fmt.Sprintf("retries exhausted after %d attempt(s)", exec.RetryCount+1),
	}
}

// failureOf returns the execution's failure, synthesizing one for an expiry
// recorded without details.
func failureOf(exec model.NodeExecution) model.FailureInfo {
	if exec.FailureInfo != nil {
		return *exec.FailureInfo
	}
	if exec.Status == model.StatusExpired {
		return model.FailureInfo{Kind: model.FailureTimeout, Message: "timed out", Retryable: true}
	}
	return model.FailureInfo{Kind: model.FailureStepError, Message: "unknown failure"}
}

func kindApplies(kinds []string, kind string) bool {
	return len(kinds) == 0 || slices.Contains(kinds, kind)
}

// retryWait returns the wait before retry number attempt+1. The last
// configured interval repeats.
func retryWait(waits []int, attempt int) time.Duration {
	if len(waits) == 0 {
		return 0
	}
	if attempt >= len(waits) {
		attempt = len(waits) - 1
	}
	return time.Duration(waits[attempt]) * time.Millisecond
}

// ValidatePolicy reports configuration errors in p.
func ValidatePolicy(p *model.AdviserPolicy) error {
	if p == nil {
		return nil
	}
	for _, a := range []model.Action{p.RetryAction, p.AfterRetries, p.OnFailure} {
		if a != "" && !a.Valid() {
			return fmt.Errorf("unknown adviser action %q", a)
		}
	}
	if p.RetryAction != "" && !isRetry(p.RetryAction) {
		return fmt.Errorf("retry_action must be RETRY or RETRY_WITH_ROLLBACK, got %q", p.RetryAction)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for _, w := range p.RetryWaitMS {
		if w < 0 {
			return fmt.Errorf("retry_wait_ms must not be negative")
		}
	}
	return nil
}
