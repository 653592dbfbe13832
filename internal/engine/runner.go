package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/adviser"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/barrier"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/step"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/store"
)

// scopePipeline names the plan-level rollback run.
const scopePipeline = "pipeline"

func nodeRollbackScope(nodeExecutionID string) string {
	return "rollback:" + nodeExecutionID
}

type eventKind int

const (
	evStart eventKind = iota
	evStepDone
	evResume
	evExpired
	evTimer
	evAbort
	evIntervene
	evLeaseLost
)

// event is one message in a plan runner's mailbox.
type event struct {
	kind       eventKind
	nodeExecID string
	response   map[string]any
	asyncErr   error
	direct     bool
	token      string
	outcome    stepOutcome
	timer      int
	action     model.Action
	reason     string
	reply      chan error
}

// stepOutcome is what a worker reports after running a step or dispatching
// its task.
type stepOutcome struct {
	result      step.Result
	err         error
	task        *model.DispatchedTask
	dispatchErr error
}

type groupKey struct {
	scope string
	node  string
}

// group is the activation of one plan node within a scope: a single slot,
// or one slot per participant for a fan-out.
type group struct {
	key      groupKey
	node     *model.PlanNode
	strategy string
	parentID string
	slots    []*slot
	// expected is the number of participants the barrier waits for.
	expected int
	complete bool
	halted   bool
}

func (g *group) fanOut() bool { return g.node.FanOut != nil }

// slot is one position of a group. Retries append executions to it.
type slot struct {
	scope    string
	index    int
	group    *group
	execs    []*exec
	resolved bool
	halted   bool
}

func (s *slot) current() *exec {
	if len(s.execs) == 0 {
		return nil
	}
	return s.execs[len(s.execs)-1]
}

func (s *slot) participantID() string {
	return fmt.Sprintf("%s#%d", s.group.node.ID, s.index)
}

// exec is the runner's view of one NodeExecution.
type exec struct {
	ne       *model.NodeExecution
	slot     *slot
	cancel   context.CancelFunc
	busy     bool
	taskID   string
	token    string
	async    *step.AsyncRequest
	attempts int
	backoff  *backoff.ExponentialBackOff
	// early holds task events that raced ahead of the worker reporting the
	// dispatch.
	early []event
}

type pendingTimer struct {
	t     *time.Timer
	scope string
	fire  func()
}

type pendingRollback struct {
	parent string
	then   func()
}

// planRunner is the actor owning one plan execution. Only its loop goroutine
// touches the fields below mailbox.
type planRunner struct {
	e       *Engine
	id      string
	plan    *plan.Plan
	logger  *slog.Logger
	mailbox chan event
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// sendMu guards drained. Senders hold it shared while enqueueing so the
	// final drain sees every event that made it into the mailbox.
	sendMu  sync.RWMutex
	drained bool

	pe            *model.PlanExecution
	groups        map[groupKey]*group
	order         []*group
	execs         map[string]*exec
	list          []*exec
	timers        map[int]*pendingTimer
	nextTimer     int
	interventions map[string]*exec
	afterRollback map[string]pendingRollback
	recovery      []func()
	aborted       bool
	fatal         error
	finished      bool
}

func newPlanRunner(e *Engine, pe *model.PlanExecution, p *plan.Plan) *planRunner {
	ctx, cancel := context.WithCancel(e.ctx)
	return &planRunner{
		e:             e,
		id:            pe.ID,
		plan:          p,
		logger:        e.logger.With("plan_execution_id", pe.ID),
		mailbox:       make(chan event, e.opts.MailboxSize),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		pe:            pe,
		groups:        make(map[groupKey]*group),
		execs:         make(map[string]*exec),
		timers:        make(map[int]*pendingTimer),
		interventions: make(map[string]*exec),
		afterRollback: make(map[string]pendingRollback),
	}
}

// post enqueues an event from outside the plan without blocking.
func (r *planRunner) post(ev event) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.drained {
		return fmt.Errorf("plan %s: %w", r.id, ErrPlanTerminal)
	}
	select {
	case r.mailbox <- ev:
		return nil
	case <-r.done:
		return fmt.Errorf("plan %s: %w", r.id, ErrPlanTerminal)
	default:
		return fmt.Errorf("plan %s: %w", r.id, ErrMailboxFull)
	}
}

// deliver enqueues an internal event, waiting for room. It reports false when
// the runner has stopped.
func (r *planRunner) deliver(ev event) bool {
	return r.send(context.Background(), ev) == nil
}

// send enqueues ev, waiting for room until ctx is done.
func (r *planRunner) send(ctx context.Context, ev event) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.drained {
		return fmt.Errorf("plan %s: %w", r.id, ErrPlanTerminal)
	}
	select {
	case r.mailbox <- ev:
		return nil
	case <-r.done:
		return fmt.Errorf("plan %s: %w", r.id, ErrPlanTerminal)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *planRunner) loop() {
	defer r.drain()
	defer close(r.done)
	defer r.cancel()
	for {
		select {
		case ev := <-r.mailbox:
			r.handle(ev)
			if r.finished {
				return
			}
		case <-r.ctx.Done():
			r.stop(true)
			return
		}
	}
}

// drain closes the mailbox to senders and releases what the events left in
// it still hold: tasks dispatched by workers that finished after the plan
// did, expiries that no longer have a node to fail, and pending replies.
func (r *planRunner) drain() {
	r.sendMu.Lock()
	r.drained = true
	r.sendMu.Unlock()

	for {
		select {
		case ev := <-r.mailbox:
			r.discard(ev)
		default:
			return
		}
	}
}

func (r *planRunner) discard(ev event) {
	switch ev.kind {
	case evStepDone:
		if ev.outcome.task != nil {
			r.logger.Warn("cancelling task dispatched after the plan stopped",
				"node_execution_id", ev.nodeExecID, "task_id", ev.outcome.task.TaskID)
			r.e.dispatch.Cancel(context.Background(), ev.outcome.task.TaskID)
		}
	case evExpired:
		r.e.expireOrphan(ev.nodeExecID, ev.token)
	case evIntervene:
		ev.reply <- fmt.Errorf("plan %s: %w", r.id, ErrPlanTerminal)
	}
}

func (r *planRunner) handle(ev event) {
	switch ev.kind {
	case evStart:
		r.start()
	case evStepDone:
		r.onStepDone(ev)
	case evResume:
		r.onResume(ev)
	case evExpired:
		r.onExpired(ev)
	case evTimer:
		r.onTimer(ev.timer)
	case evAbort:
		r.abort(ev.reason)
	case evIntervene:
		ev.reply <- r.intervene(ev.nodeExecID, ev.action)
	case evLeaseLost:
		r.logger.Error("lease lost, stopping without finalizing")
		r.stop(false)
		r.finished = true
		return
	}
	r.settle()
}

func (r *planRunner) start() {
	r.emitPlan("")
	if r.recovery != nil {
		actions := r.recovery
		r.recovery = nil
		for _, f := range actions {
			f()
		}
		return
	}
	for _, id := range r.plan.Roots() {
		r.startGroup("", id, "")
	}
}

// startGroup activates a plan node in scope. Each participant gets a QUEUED
// execution and as many as the node's concurrency allows start running.
func (r *planRunner) startGroup(scope, nodeID, parentID string) {
	key := groupKey{scope: scope, node: nodeID}
	if _, ok := r.groups[key]; ok {
		return
	}
	node, ok := r.plan.Node(nodeID)
	if !ok {
		r.failPlan(fmt.Errorf("%w: node %q not found", plan.ErrMalformedPlan, nodeID))
		return
	}
	g := r.addGroup(key, node, parentID, "")
	if g.fanOut() {
		g.strategy = model.NewID()
	}
	for _, s := range g.slots {
		r.newExec(s, 0)
	}
	r.fill(g)
}

func (r *planRunner) addGroup(key groupKey, node *model.PlanNode, parentID, strategy string) *group {
	g := &group{
		key:      key,
		node:     node,
		strategy: strategy,
		parentID: parentID,
		expected: node.Parallelism(),
	}
	for i := range node.Parallelism() {
		g.slots = append(g.slots, &slot{scope: key.scope, index: i, group: g})
	}
	r.groups[key] = g
	r.order = append(r.order, g)
	return g
}

// fill starts queued participants while fewer than the node's concurrency
// limit are in flight.
func (r *planRunner) fill(g *group) {
	if g.halted || r.aborted {
		return
	}
	if g.key.scope == "" && r.pe.RollbackMode {
		return
	}
	limit := g.node.Concurrency()
	active := 0
	for _, s := range g.slots {
		if c := s.current(); !s.resolved && !s.halted && c != nil && c.ne.Status != model.StatusQueued {
			active++
		}
	}
	for _, s := range g.slots {
		if active >= limit {
			return
		}
		if c := s.current(); c != nil && c.ne.Status == model.StatusQueued {
			r.startExec(c)
			active++
		}
	}
}

func (r *planRunner) newExec(s *slot, retryCount int) *exec {
	g := s.group
	ne := &model.NodeExecution{
		ID:                  model.NewID(),
		PlanNodeID:          g.node.ID,
		PlanExecutionID:     r.id,
		ParentID:            g.parentID,
		StrategyExecutionID: g.strategy,
		Scope:               s.scope,
		FanOutIndex:         s.index,
		Status:              model.StatusQueued,
		RetryCount:          retryCount,
		Rollback:            s.scope != "",
		OutcomeRefs:         []string{},
		CreatedAt:           time.Now().UTC(),
	}
	x := &exec{ne: ne, slot: s}
	s.execs = append(s.execs, x)
	r.execs[ne.ID] = x
	r.list = append(r.list, x)
	r.e.nodes.Store(ne.ID, r)

	r.persist(x)
	nodeTransitions.WithLabelValues(string(model.StatusQueued)).Inc()
	r.emitNode(x, "")
	return x
}

func (r *planRunner) startExec(x *exec) {
	if !r.transition(x, model.StatusRunning) {
		return
	}
	in := r.input(x)
	node := x.slot.group.node
	r.spawn(x, func(ctx context.Context) stepOutcome {
		return r.execute(ctx, node, in)
	})
}

func (r *planRunner) input(x *exec) step.Input {
	return step.Input{
		PlanExecutionID: r.id,
		NodeExecutionID: x.ne.ID,
		PlanNodeID:      x.ne.PlanNodeID,
		Params:          x.slot.group.node.Params,
		RetryCount:      x.ne.RetryCount,
		FanOutIndex:     x.ne.FanOutIndex,
		Rollback:        x.ne.Rollback,
	}
}

// spawn runs fn on the worker pool and posts its outcome back to the runner.
func (r *planRunner) spawn(x *exec, fn func(ctx context.Context) stepOutcome) {
	ctx, cancel := context.WithCancel(r.ctx)
	x.cancel = cancel
	x.busy = true
	id := x.ne.ID
	go func() {
		defer cancel()
		var out stepOutcome
		if err := r.e.workers.Acquire(ctx, 1); err != nil {
			out.err = err
		} else {
			out = fn(ctx)
			r.e.workers.Release(1)
		}
		if !r.deliver(event{kind: evStepDone, nodeExecID: id, outcome: out}) && out.task != nil {
			r.e.dispatch.Cancel(context.Background(), out.task.TaskID)
		}
	}()
}

// execute runs a node's step, dispatching its task when the step suspends.
func (r *planRunner) execute(ctx context.Context, node *model.PlanNode, in step.Input) stepOutcome {
	ctx, span := r.e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("plan_execution_id", in.PlanExecutionID),
		attribute.String("node_execution_id", in.NodeExecutionID),
		attribute.String("step_type", node.StepType),
	))
	defer span.End()

	if node.When != "" {
		ok, err := step.Eval(ctx, node.When, map[string]any{
			"params":     in.Params,
			"retryCount": in.RetryCount,
			"index":      in.FanOutIndex,
		})
		if err != nil {
			return stepOutcome{result: step.Failed(model.FailureValidation, fmt.Sprintf("when guard: %v", err), false)}
		}
		if !ok {
			span.SetAttributes(attribute.Bool("skipped", true))
			return stepOutcome{result: step.Succeeded(map[string]any{"skipped": true})}
		}
	}

	s, err := r.e.steps.Resolve(node.StepType)
	if err != nil {
		return stepOutcome{err: err}
	}
	res, err := s.Execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step error")
		return stepOutcome{err: err}
	}
	if res.Async == nil {
		return stepOutcome{result: res}
	}
	return r.dispatchTask(ctx, node, in, res)
}

// continueStep runs a step's continuation after its task answered.
func (r *planRunner) continueStep(ctx context.Context, node *model.PlanNode, in step.Input, response map[string]any, asyncErr error) stepOutcome {
	ctx, span := r.e.tracer.Start(ctx, "step.resume", trace.WithAttributes(
		attribute.String("plan_execution_id", in.PlanExecutionID),
		attribute.String("node_execution_id", in.NodeExecutionID),
	))
	defer span.End()

	s, err := r.e.steps.Resolve(node.StepType)
	if err != nil {
		return stepOutcome{err: err}
	}
	res, err := s.Resume(ctx, in, response, asyncErr)
	if err != nil {
		span.RecordError(err)
		return stepOutcome{err: err}
	}
	if res.Async == nil {
		return stepOutcome{result: res}
	}
	return r.dispatchTask(ctx, node, in, res)
}

func (r *planRunner) dispatchTask(ctx context.Context, node *model.PlanNode, in step.Input, res step.Result) stepOutcome {
	task, err := r.e.dispatch.Dispatch(ctx, dispatch.Request{
		PlanExecutionID: in.PlanExecutionID,
		NodeExecutionID: in.NodeExecutionID,
		Category:        res.Async.Category,
		Selectors:       res.Async.Selectors,
		Capacity:        res.Async.Capacity,
		Payload:         res.Async.Payload,
		Timeout:         r.taskTimeout(node),
	})
	if err != nil {
		return stepOutcome{result: res, dispatchErr: err}
	}
	return stepOutcome{result: res, task: &task}
}

func (r *planRunner) taskTimeout(node *model.PlanNode) time.Duration {
	if node.TimeoutMS > 0 {
		return time.Duration(node.TimeoutMS) * time.Millisecond
	}
	return r.e.opts.DefaultTaskTimeout
}

func (r *planRunner) onStepDone(ev event) {
	x := r.execs[ev.nodeExecID]
	out := ev.outcome
	if x == nil || x.ne.Status != model.StatusRunning {
		if out.task != nil {
			r.e.dispatch.Cancel(r.ctx, out.task.TaskID)
		}
		return
	}
	x.busy = false

	switch {
	case out.err != nil:
		r.fail(x, &model.FailureInfo{Kind: model.FailureStepError, Message: out.err.Error()})
	case out.result.Failure != nil:
		r.fail(x, out.result.Failure)
	case out.result.Async != nil:
		r.onDispatched(x, out)
	default:
		r.succeed(x, out.result.Outputs)
	}
}

func (r *planRunner) onDispatched(x *exec, out stepOutcome) {
	x.async = out.result.Async
	if out.dispatchErr != nil {
		r.dispatchFailed(x, out.dispatchErr)
		return
	}
	x.taskID = out.task.TaskID
	x.token = out.task.TimeoutToken
	x.attempts = 0
	x.backoff = nil
	if !r.transition(x, model.StatusTaskWaiting) {
		return
	}
	early := x.early
	x.early = nil
	for _, ev := range early {
		switch ev.kind {
		case evResume:
			r.onResume(ev)
		case evExpired:
			r.onExpired(ev)
		}
	}
}

// dispatchFailed retries a dispatch that found no capacity with exponential
// backoff and fails the node once the attempts are used up.
func (r *planRunner) dispatchFailed(x *exec, err error) {
	var noCapacity *capacity.NoCapacityError
	if !errors.As(err, &noCapacity) {
		r.fail(x, &model.FailureInfo{Kind: model.FailureNoAvailableExecutor, Message: err.Error(), Retryable: true})
		return
	}

	x.attempts++
	if x.backoff == nil {
		x.backoff = backoff.NewExponentialBackOff()
		x.backoff.InitialInterval = r.e.opts.DispatchBackoff
		x.backoff.MaxInterval = 30 * r.e.opts.DispatchBackoff
		x.backoff.Reset()
	}
	wait := x.backoff.NextBackOff()
	if x.attempts >= r.e.opts.MaxDispatchAttempts || wait == backoff.Stop {
		r.fail(x, &model.FailureInfo{
			Kind:      model.FailureCapacityExhausted,
			Message:   fmt.Sprintf("no capacity after %d attempts: %v", x.attempts, err),
			Retryable: true,
		})
		return
	}
	r.logger.Info("no capacity, re-dispatching",
		"node_execution_id", x.ne.ID,
		"attempt", x.attempts,
		"wait", wait,
	)
	r.after(wait, x.ne.Scope, func() { r.redispatch(x) })
}

func (r *planRunner) redispatch(x *exec) {
	if x.ne.Status != model.StatusRunning || x.busy || x.async == nil {
		return
	}
	in := r.input(x)
	node := x.slot.group.node
	res := step.Result{Async: x.async}
	r.spawn(x, func(ctx context.Context) stepOutcome {
		return r.dispatchTask(ctx, node, in, res)
	})
}

func (r *planRunner) onResume(ev event) {
	x := r.execs[ev.nodeExecID]
	if x == nil {
		return
	}
	if x.ne.Status == model.StatusRunning && x.busy && !ev.direct {
		x.early = append(x.early, ev)
		return
	}
	if x.ne.Status != model.StatusTaskWaiting {
		r.logger.Debug("ignoring resume for node not waiting on a task",
			"node_execution_id", x.ne.ID, "status", x.ne.Status)
		return
	}
	if ev.direct && !r.e.dispatch.Resolve(r.ctx, x.taskID) {
		r.logger.Debug("ignoring resume for task already resolved",
			"node_execution_id", x.ne.ID, "task_id", x.taskID)
		return
	}

	x.taskID, x.token = "", ""
	r.transition(x, model.StatusResumed)
	r.transition(x, model.StatusRunning)

	in := r.input(x)
	node := x.slot.group.node
	response, asyncErr := ev.response, ev.asyncErr
	r.spawn(x, func(ctx context.Context) stepOutcome {
		return r.continueStep(ctx, node, in, response, asyncErr)
	})
}

func (r *planRunner) onExpired(ev event) {
	x := r.execs[ev.nodeExecID]
	if x == nil {
		return
	}
	if x.ne.Status == model.StatusRunning && x.busy {
		x.early = append(x.early, ev)
		return
	}
	if x.ne.Status != model.StatusTaskWaiting || ev.token != x.token {
		r.logger.Warn("discarding stale timeout", "node_execution_id", x.ne.ID, "status", x.ne.Status)
		return
	}
	if !r.e.dispatch.Expire(r.ctx, x.taskID) {
		r.logger.Debug("timeout lost to task response", "node_execution_id", x.ne.ID, "task_id", x.taskID)
		return
	}

	x.ne.FailureInfo = &model.FailureInfo{
		Kind:      model.FailureTimeout,
		Message:   fmt.Sprintf("task %s got no response before its deadline", x.taskID),
		Retryable: true,
	}
	x.taskID, x.token = "", ""
	if r.transition(x, model.StatusExpired) {
		r.advise(x)
	}
}

func (r *planRunner) succeed(x *exec, outputs map[string]any) {
	if len(outputs) > 0 {
		ref := model.NewID()
		if err := r.e.store.SaveOutcome(context.Background(), ref, r.id, outputs); err != nil {
			r.logger.Error("persist outcome", "node_execution_id", x.ne.ID, "error", err)
		} else {
			x.ne.OutcomeRefs = append(x.ne.OutcomeRefs, ref)
		}
	}

	if x.slot.group.fanOut() {
		if r.transition(x, model.StatusBarrierWaiting) {
			r.arrive(x, false)
		}
		return
	}
	if r.transition(x, model.StatusSucceeded) {
		r.resolve(x.slot)
	}
}

func (r *planRunner) fail(x *exec, fi *model.FailureInfo) {
	x.ne.FailureInfo = fi
	if r.transition(x, model.StatusFailed) {
		r.advise(x)
	}
}

// resolve marks a slot done and completes its group when every slot is.
func (r *planRunner) resolve(s *slot) {
	s.resolved = true
	g := s.group
	if g.fanOut() {
		r.fill(g)
	}
	r.completeIfDone(g)
}

func (r *planRunner) completeIfDone(g *group) {
	if g.complete {
		return
	}
	for _, s := range g.slots {
		if !s.resolved {
			return
		}
	}
	g.complete = true
	r.onGroupComplete(g)
}

// onGroupComplete starts the children of g whose parents have all completed
// in the same scope.
func (r *planRunner) onGroupComplete(g *group) {
	if r.aborted || (g.key.scope == "" && r.pe.RollbackMode) {
		return
	}
	parentID := ""
	if c := g.slots[0].current(); c != nil {
		parentID = c.ne.ID
	}
	for _, child := range g.node.Children {
		if _, ok := r.groups[groupKey{scope: g.key.scope, node: child}]; ok {
			continue
		}
		ready := true
		for _, p := range r.plan.Parents(child) {
			pg, ok := r.groups[groupKey{scope: g.key.scope, node: p}]
			if !ok || !pg.complete {
				ready = false
				break
			}
		}
		if ready {
			r.startGroup(g.key.scope, child, parentID)
		}
	}
}

// arrive records x at its fan-out barrier and applies the result.
func (r *planRunner) arrive(x *exec, terminal bool) {
	g := x.slot.group
	res := r.e.barriers.Arrive(barrier.Arrival{
		BarrierID:           g.strategy,
		PlanExecutionID:     r.id,
		StrategyExecutionID: g.strategy,
		Expected:            g.expected,
		MaxConcurrency:      g.node.Concurrency(),
		Participant: barrier.Participant{
			ParticipantID:   x.slot.participantID(),
			NodeExecutionID: x.ne.ID,
			OutcomeRefs:     slices.Clone(x.ne.OutcomeRefs),
			Terminal:        terminal,
		},
	})

	switch res.State {
	case barrier.StateReleased:
		for _, p := range res.Released {
			if p.Terminal {
				continue
			}
			px := r.execs[p.NodeExecutionID]
			if px == nil || px.ne.Status != model.StatusBarrierWaiting {
				continue
			}
			r.transition(px, model.StatusResumed)
			r.transition(px, model.StatusRunning)
			if r.transition(px, model.StatusSucceeded) {
				px.slot.resolved = true
			}
		}
	case barrier.StateAborted:
		if !terminal {
			r.barrierAborted(x, res.Reason)
		}
	}
	r.fill(g)
	r.completeIfDone(g)
}

func (r *planRunner) barrierAborted(x *exec, reason string) {
	if x.ne.Status != model.StatusBarrierWaiting {
		return
	}
	x.ne.FailureInfo = &model.FailureInfo{Kind: model.FailureBarrierAborted, Message: reason}
	r.transition(x, model.StatusAborted)
}

// halt stops a slot for good. A fan-out participant that will never arrive
// fails its barrier, which aborts every sibling still in flight.
func (r *planRunner) halt(s *slot, reason string) {
	s.halted = true
	g := s.group
	g.halted = true
	if !g.fanOut() {
		return
	}
	r.abortParticipants(g, r.e.barriers.Fail(g.strategy, s.participantID(), reason), reason)
}

func (r *planRunner) abortBarrier(g *group, reason string) {
	r.abortParticipants(g, r.e.barriers.Abort(g.strategy, reason), reason)
}

// abortParticipants signals BARRIER_ABORTED to every unfinished participant
// of g. Waiters become ABORTED. Participants that have not arrived are
// discarded and their tasks cancelled; a worker still busy with one has its
// outcome dropped when it reports.
func (r *planRunner) abortParticipants(g *group, waiting []barrier.Participant, reason string) {
	for _, p := range waiting {
		if px := r.execs[p.NodeExecutionID]; px != nil {
			r.barrierAborted(px, reason)
		}
	}
	for _, s := range g.slots {
		c := s.current()
		if c == nil || c.ne.Status.Terminal() {
			continue
		}
		s.halted = true
		if c.ne.Status == model.StatusBarrierWaiting {
			r.barrierAborted(c, reason)
			continue
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.ne.Status == model.StatusTaskWaiting && c.taskID != "" {
			r.e.dispatch.Cancel(r.ctx, c.taskID)
			c.taskID, c.token = "", ""
		}
		c.ne.FailureInfo = &model.FailureInfo{Kind: model.FailureBarrierAborted, Message: reason}
		r.transition(c, model.StatusDiscarded)
	}
}

func (r *planRunner) advise(x *exec) {
	r.apply(x, adviser.Advise(*x.ne, x.slot.group.node.Adviser), false)
}

// apply carries out an adviser decision, or an operator decision when
// operator is set, for the failed execution x. The action is recorded on x so
// recovery can pick up where the runner stopped.
func (r *planRunner) apply(x *exec, adv adviser.Advice, operator bool) {
	x.ne.AdviserAction = adv.Action
	r.persist(x)
	adviserDecisions.WithLabelValues(string(adv.Action)).Inc()
	r.publish(model.Event{
		Type:            model.EventAdviserDecision,
		PlanExecutionID: r.id,
		NodeExecutionID: x.ne.ID,
		PlanNodeID:      x.ne.PlanNodeID,
		Status:          string(x.ne.Status),
		Action:          adv.Action,
		RetryCount:      x.ne.RetryCount,
		Message:         adv.Reason,
		At:              time.Now().UTC(),
	})
	r.logger.Info("adviser decision",
		"node_execution_id", x.ne.ID,
		"plan_node_id", x.ne.PlanNodeID,
		"action", adv.Action,
		"operator", operator,
		"reason", adv.Reason,
	)

	s := x.slot
	reason := fmt.Sprintf("node %s %s", x.ne.PlanNodeID, x.ne.Status)
	switch adv.Action {
	case model.ActionProceed:
		if s.group.fanOut() {
			s.resolved = true
			r.arrive(x, true)
			return
		}
		r.resolve(s)
	case model.ActionRetry:
		r.scheduleRetry(s, adv.Wait)
	case model.ActionRetryWithRollback:
		wait := adv.Wait
		r.rollbackNode(x, func() { r.scheduleRetry(s, wait) })
	case model.ActionManualInterventionWithRollback:
		r.rollbackNode(x, func() { r.awaitIntervention(x) })
	case model.ActionOnFailRollback:
		r.halt(s, reason)
		r.rollbackNode(x, nil)
	case model.ActionOnFailPipelineRollback:
		r.halt(s, reason)
		r.pipelineRollback()
	case model.ActionAbort:
		r.abort(reason)
	default:
		r.logger.Error("unknown adviser action", "action", adv.Action)
		r.halt(s, reason)
	}
}

func (r *planRunner) scheduleRetry(s *slot, wait time.Duration) {
	if wait <= 0 {
		r.retry(s)
		return
	}
	r.after(wait, s.scope, func() { r.retry(s) })
}

// retry starts a new execution for s with the retry count incremented.
func (r *planRunner) retry(s *slot) {
	if r.aborted || s.halted || s.group.halted || (s.scope == "" && r.pe.RollbackMode) {
		return
	}
	prev := s.current()
	x := r.newExec(s, prev.ne.RetryCount+1)
	r.startExec(x)
}

// rollbackNode runs the rollback subgraph of x's node, then calls then once
// it settles. Without a rollback subgraph then runs immediately.
func (r *planRunner) rollbackNode(x *exec, then func()) {
	roots := x.slot.group.node.RollbackNodeIDs
	if len(roots) == 0 {
		if then != nil {
			then()
		}
		return
	}
	scope := nodeRollbackScope(x.ne.ID)
	if then != nil {
		r.afterRollback[scope] = pendingRollback{parent: x.ne.Scope, then: then}
	}
	for _, id := range roots {
		r.startGroup(scope, id, x.ne.ID)
	}
}

// pipelineRollback halts forward progress and schedules the plan's rollback
// subgraph.
func (r *planRunner) pipelineRollback() {
	if r.pe.RollbackMode {
		return
	}
	r.pe.RollbackMode = true
	r.persistPlan()
	r.emitPlan("pipeline rollback")
	r.logger.Warn("entering pipeline rollback")

	for _, g := range r.order {
		if g.key.scope != "" || g.complete {
			continue
		}
		if g.fanOut() {
			r.abortBarrier(g, "pipeline rollback")
			continue
		}
		for _, s := range g.slots {
			if c := s.current(); c != nil && c.ne.Status == model.StatusQueued {
				r.transition(c, model.StatusDiscarded)
			}
		}
	}
	for _, id := range r.plan.RollbackNodeIDs {
		r.startGroup(scopePipeline, id, "")
	}
}

func (r *planRunner) awaitIntervention(x *exec) {
	if r.aborted {
		return
	}
	r.interventions[x.ne.ID] = x
	if r.pe.Status != model.PlanInterventionWaiting {
		r.pe.Status = model.PlanInterventionWaiting
		r.persistPlan()
		r.emitPlan(fmt.Sprintf("node %s awaits intervention", x.ne.PlanNodeID))
	}
	r.logger.Warn("awaiting manual intervention", "node_execution_id", x.ne.ID, "plan_node_id", x.ne.PlanNodeID)
}

func (r *planRunner) intervene(nodeExecID string, action model.Action) error {
	x, ok := r.interventions[nodeExecID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeExecID, ErrNotAwaitingIntervention)
	}
	delete(r.interventions, nodeExecID)
	if len(r.interventions) == 0 && r.pe.Status == model.PlanInterventionWaiting {
		r.pe.Status = model.PlanRunning
		r.persistPlan()
		r.emitPlan("")
	}
	r.apply(x, adviser.Advice{Action: action, Reason: "operator intervention"}, true)
	return nil
}

// abort discards every non-terminal execution. It is idempotent.
func (r *planRunner) abort(reason string) {
	if r.aborted || r.finished {
		return
	}
	r.aborted = true
	if r.pe.Error == "" {
		r.pe.Error = reason
	}
	r.stopTimers()
	clear(r.interventions)
	clear(r.afterRollback)

	for _, x := range r.list {
		if x.ne.Status.Terminal() {
			continue
		}
		if x.cancel != nil {
			x.cancel()
		}
		if x.ne.Status == model.StatusTaskWaiting && x.taskID != "" {
			r.e.dispatch.Cancel(r.ctx, x.taskID)
		}
		r.transition(x, model.StatusDiscarded)
	}
	for _, g := range r.order {
		if g.fanOut() {
			r.e.barriers.Abort(g.strategy, reason)
		}
	}
	r.logger.Info("plan aborted", "reason", reason)
}

// failPlan aborts the plan on a fatal error and reports it.
func (r *planRunner) failPlan(err error) {
	if r.fatal == nil {
		r.fatal = err
		r.pe.Error = err.Error()
	}
	r.e.report(err, r.id)
	r.logger.Error("fatal plan error", "error", err)
	r.abort(err.Error())
}

func (r *planRunner) after(d time.Duration, scope string, fn func()) {
	r.nextTimer++
	id := r.nextTimer
	t := time.AfterFunc(d, func() { r.deliver(event{kind: evTimer, timer: id}) })
	r.timers[id] = &pendingTimer{t: t, scope: scope, fire: fn}
}

func (r *planRunner) onTimer(id int) {
	t, ok := r.timers[id]
	if !ok {
		return
	}
	delete(r.timers, id)
	t.fire()
}

func (r *planRunner) stopTimers() {
	for id, t := range r.timers {
		t.t.Stop()
		delete(r.timers, id)
	}
}

// settle runs rollback continuations whose scope went idle and finishes the
// plan once nothing is left to do.
func (r *planRunner) settle() {
	if r.finished {
		return
	}
	for {
		var ready []string
		for scope := range r.afterRollback {
			if r.scopeIdle(scope) {
				ready = append(ready, scope)
			}
		}
		if len(ready) == 0 {
			break
		}
		sort.Strings(ready)
		for _, scope := range ready {
			p, ok := r.afterRollback[scope]
			if !ok {
				continue
			}
			delete(r.afterRollback, scope)
			p.then()
		}
	}
	if r.idle() {
		r.finalize()
	}
}

func (r *planRunner) scopeIdle(scope string) bool {
	for _, g := range r.order {
		if g.key.scope != scope {
			continue
		}
		for _, s := range g.slots {
			if c := s.current(); c != nil && !c.ne.Status.Terminal() {
				return false
			}
		}
	}
	for _, t := range r.timers {
		if t.scope == scope {
			return false
		}
	}
	for _, x := range r.interventions {
		if x.ne.Scope == scope {
			return false
		}
	}
	for _, p := range r.afterRollback {
		if p.parent == scope {
			return false
		}
	}
	return true
}

func (r *planRunner) idle() bool {
	if len(r.timers) > 0 || len(r.interventions) > 0 || len(r.afterRollback) > 0 {
		return false
	}
	for _, x := range r.list {
		if !x.ne.Status.Terminal() {
			return false
		}
	}
	return true
}

// finalStatus is the worst unresolved latest status across all slots.
func (r *planRunner) finalStatus() (model.PlanStatus, string) {
	if r.fatal != nil {
		return model.PlanFailed, r.fatal.Error()
	}
	if r.aborted {
		return model.PlanAborted, r.pe.Error
	}
	worst := model.StatusSucceeded
	var culprit *exec
	for _, g := range r.order {
		for _, s := range g.slots {
			c := s.current()
			if s.resolved || c == nil {
				continue
			}
			if model.Worse(c.ne.Status, worst) {
				worst = c.ne.Status
				culprit = c
			}
		}
	}
	status := model.PlanStatusFor(worst)
	if r.pe.RollbackMode {
		status = model.PlanFailed
	}
	msg := ""
	if culprit != nil {
		msg = fmt.Sprintf("node %s %s", culprit.ne.PlanNodeID, culprit.ne.Status)
		if fi := culprit.ne.FailureInfo; fi != nil {
			msg += fmt.Sprintf(": %s: %s", fi.Kind, fi.Message)
		}
	}
	return status, msg
}

func (r *planRunner) finalize() {
	status, msg := r.finalStatus()
	now := time.Now().UTC()
	r.pe.Status = status
	r.pe.FinishedAt = &now
	if r.pe.Error == "" {
		r.pe.Error = msg
	}
	r.persistPlan()
	r.emitPlan(r.pe.Error)
	plansFinished.WithLabelValues(string(status)).Inc()

	for _, g := range r.order {
		if g.fanOut() {
			r.e.barriers.Discard(g.strategy)
		}
	}
	r.finished = true
	r.e.unregister(r)
	r.e.releaseLease(r.id)
	r.e.broker.Close(r.id)
	r.logger.Info("plan finished", "status", status, "error", r.pe.Error)
}

// stop halts the runner without finalizing the plan.
func (r *planRunner) stop(releaseLease bool) {
	r.stopTimers()
	r.cancel()
	r.e.unregister(r)
	if releaseLease {
		r.e.releaseLease(r.id)
	}
	r.logger.Info("plan runner stopped")
}

// keepLease renews the plan lease every third of its TTL until the runner
// stops.
func (r *planRunner) keepLease() {
	ttl := r.e.opts.LeaseTTL
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			_, err := r.e.store.RenewLease(r.ctx, r.id, r.e.opts.Owner, ttl)
			if errors.Is(err, store.ErrLeaseHeld) {
				r.deliver(event{kind: evLeaseLost})
				return
			}
			if err != nil && r.ctx.Err() == nil {
				r.logger.Warn("renew lease", "error", err)
			}
		}
	}
}

// transition moves x to status to, persisting and announcing the change.
func (r *planRunner) transition(x *exec, to model.Status) bool {
	from := x.ne.Status
	if !model.ValidTransition(from, to) {
		r.logger.Error("invalid node transition",
			"node_execution_id", x.ne.ID, "from", from, "to", to)
		return false
	}
	now := time.Now().UTC()
	x.ne.Status = to
	if to == model.StatusRunning && x.ne.StartTime == nil {
		x.ne.StartTime = &now
	}
	if to.Terminal() {
		x.ne.EndTime = &now
		x.busy = false
	}
	r.persist(x)
	nodeTransitions.WithLabelValues(string(to)).Inc()
	r.logger.Debug("node transition",
		"node_execution_id", x.ne.ID, "plan_node_id", x.ne.PlanNodeID, "from", from, "to", to)
	r.emitNode(x, "")
	return true
}

func (r *planRunner) persist(x *exec) {
	if err := r.e.store.SaveNodeExecution(context.Background(), x.ne); err != nil {
		r.logger.Error("persist node execution", "node_execution_id", x.ne.ID, "error", err)
	}
}

func (r *planRunner) persistPlan() {
	if err := r.e.store.UpdatePlanExecution(context.Background(), r.pe); err != nil {
		r.logger.Error("persist plan execution", "error", err)
	}
}

func (r *planRunner) emitNode(x *exec, msg string) {
	r.publish(model.Event{
		Type:            model.EventNodeStatus,
		PlanExecutionID: r.id,
		NodeExecutionID: x.ne.ID,
		PlanNodeID:      x.ne.PlanNodeID,
		Status:          string(x.ne.Status),
		RetryCount:      x.ne.RetryCount,
		Message:         msg,
		At:              time.Now().UTC(),
	})
}

func (r *planRunner) emitPlan(msg string) {
	r.publish(model.Event{
		Type:            model.EventPlanStatus,
		PlanExecutionID: r.id,
		Status:          string(r.pe.Status),
		Message:         msg,
		At:              time.Now().UTC(),
	})
}

func (r *planRunner) publish(ev model.Event) {
	r.e.publish(ev)
}
