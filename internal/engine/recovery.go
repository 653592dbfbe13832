package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
)

// Recover resumes every non-terminal plan execution found in the store that
// no live process holds the lease of. It returns how many plans it took over.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.ListPlanExecutions(ctx, model.PlanRunning, model.PlanInterventionWaiting)
	if err != nil {
		return 0, fmt.Errorf("list plans to recover: %w", err)
	}
	recovered := 0
	for _, pe := range pending {
		if e.runner(pe.ID) != nil {
			continue
		}
		err := e.recoverPlan(ctx, pe)
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, ErrLeaseHeld):
			e.logger.Debug("plan held by another process", "plan_execution_id", pe.ID)
		default:
			e.logger.Error("recover plan", "plan_execution_id", pe.ID, "error", err)
		}
	}
	if recovered > 0 {
		e.logger.Info("recovered plans", "count", recovered)
	}
	return recovered, nil
}

// recoverPlan takes the lease of a persisted plan execution and rebuilds its
// runner from the stored node executions and open tasks.
func (e *Engine) recoverPlan(ctx context.Context, pe *model.PlanExecution) error {
	if _, err := e.store.AcquireLease(ctx, pe.ID, e.opts.Owner, e.opts.LeaseTTL); err != nil {
		return fmt.Errorf("recover plan %s: %w", pe.ID, err)
	}
	r, err := e.rebuild(ctx, pe)
	if err != nil {
		e.releaseLease(pe.ID)
		return fmt.Errorf("recover plan %s: %w", pe.ID, err)
	}
	e.broker.Reopen(pe.ID)
	if !e.launch(r, event{kind: evStart}) {
		return nil
	}
	e.logger.Info("plan recovered", "plan_execution_id", pe.ID, "node_executions", len(r.list))
	return nil
}

func (e *Engine) rebuild(ctx context.Context, pe *model.PlanExecution) (*planRunner, error) {
	definition, err := e.store.GetPlanDefinition(ctx, pe.ID)
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(definition, &p); err != nil {
		return nil, fmt.Errorf("%w: decode definition: %v", plan.ErrMalformedPlan, err)
	}
	if err := plan.Validate(&p, e.steps.Has); err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeExecutions(ctx, pe.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListOpenTasks(ctx, pe.ID)
	if err != nil {
		return nil, err
	}
	open := make(map[string]model.DispatchedTask, len(tasks))
	for _, t := range tasks {
		open[t.NodeExecutionID] = t
	}

	pe.Owner = e.opts.Owner
	pe.Status = model.PlanRunning
	r := newPlanRunner(e, pe, &p)

	for _, ne := range nodes {
		key := groupKey{scope: ne.Scope, node: ne.PlanNodeID}
		g, ok := r.groups[key]
		if !ok {
			node, found := p.Node(ne.PlanNodeID)
			if !found {
				return nil, fmt.Errorf("%w: node %q not found", plan.ErrMalformedPlan, ne.PlanNodeID)
			}
			g = r.addGroup(key, node, ne.ParentID, ne.StrategyExecutionID)
		}
		if ne.FanOutIndex < 0 || ne.FanOutIndex >= len(g.slots) {
			return nil, fmt.Errorf("%w: node execution %s has fan-out index %d of %d",
				plan.ErrMalformedPlan, ne.ID, ne.FanOutIndex, len(g.slots))
		}
		s := g.slots[ne.FanOutIndex]
		x := &exec{ne: ne, slot: s}
		s.execs = append(s.execs, x)
		r.execs[ne.ID] = x
		r.list = append(r.list, x)
	}

	for _, g := range r.order {
		if g.fanOut() && g.strategy == "" {
			g.strategy = model.NewID()
		}
		resolved := 0
		for _, s := range g.slots {
			c := s.current()
			if c == nil {
				continue
			}
			switch {
			case c.ne.Status == model.StatusSucceeded, c.ne.AdviserAction == model.ActionProceed:
				s.resolved = true
				resolved++
			case c.ne.Status == model.StatusAborted, c.ne.Status == model.StatusDiscarded,
				c.ne.AdviserAction == model.ActionOnFailRollback,
				c.ne.AdviserAction == model.ActionOnFailPipelineRollback,
				c.ne.AdviserAction == model.ActionAbort:
				s.halted = true
				g.halted = true
			}
		}
		g.expected = len(g.slots) - resolved
		g.complete = resolved == len(g.slots)
		if g.fanOut() && g.halted {
			e.barriers.Abort(g.strategy, "aborted before restart")
		}
	}

	r.recovery = r.recoveryActions(open)
	return r, nil
}

// recoveryActions returns the steps that bring every slot back under the
// runner's control. They run inside the actor as its first event.
func (r *planRunner) recoveryActions(open map[string]model.DispatchedTask) []func() {
	actions := []func(){r.persistPlan}
	groups := append([]*group(nil), r.order...)

	for _, g := range groups {
		for _, s := range g.slots {
			if s.resolved {
				continue
			}
			c := s.current()
			if c == nil {
				actions = append(actions, func() { r.newExec(s, 0) })
				continue
			}
			if f := r.recoverExec(c, open); f != nil {
				actions = append(actions, f)
			}
		}
	}

	return append(actions, func() {
		if r.pe.RollbackMode {
			for _, id := range r.plan.RollbackNodeIDs {
				r.startGroup(scopePipeline, id, "")
			}
		} else {
			for _, id := range r.plan.Roots() {
				r.startGroup("", id, "")
			}
		}
		for _, g := range groups {
			r.fill(g)
			if g.complete {
				r.onGroupComplete(g)
			}
		}
	})
}

func (r *planRunner) recoverExec(x *exec, open map[string]model.DispatchedTask) func() {
	restart := func() {
		r.fail(x, &model.FailureInfo{
			Kind:      model.FailureEngineRestart,
			Message:   "engine restarted while the node was running",
			Retryable: true,
		})
	}

	switch x.ne.Status {
	case model.StatusTaskWaiting:
		return func() {
			if task, ok := open[x.ne.ID]; ok {
				restored, err := r.e.dispatch.Restore(r.ctx, task)
				if err == nil {
					x.taskID = restored.TaskID
					x.token = restored.TimeoutToken
					return
				}
				r.logger.Warn("restore task", "node_execution_id", x.ne.ID, "task_id", task.TaskID, "error", err)
			}
			r.transition(x, model.StatusResumed)
			r.transition(x, model.StatusRunning)
			restart()
		}
	case model.StatusResumed:
		return func() {
			r.transition(x, model.StatusRunning)
			restart()
		}
	case model.StatusRunning:
		return restart
	case model.StatusBarrierWaiting:
		return func() { r.arrive(x, false) }
	case model.StatusFailed, model.StatusExpired:
		return r.recoverDecision(x)
	}
	return nil
}

// recoverDecision re-applies the adviser decision recorded on a failed
// execution, or asks the adviser when none was recorded.
func (r *planRunner) recoverDecision(x *exec) func() {
	s := x.slot
	switch x.ne.AdviserAction {
	case "":
		return func() { r.advise(x) }
	case model.ActionRetry:
		return func() { r.retry(s) }
	case model.ActionRetryWithRollback:
		return func() { r.rollbackNode(x, func() { r.retry(s) }) }
	case model.ActionManualInterventionWithRollback:
		return func() { r.rollbackNode(x, func() { r.awaitIntervention(x) }) }
	case model.ActionOnFailRollback:
		return func() { r.rollbackNode(x, nil) }
	case model.ActionOnFailPipelineRollback:
		return r.pipelineRollback
	case model.ActionAbort:
		return func() { r.abort(fmt.Sprintf("node %s %s", x.ne.PlanNodeID, x.ne.Status)) }
	}
	return nil
}
