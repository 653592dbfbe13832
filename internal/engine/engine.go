package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/barrier"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/step"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/store"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/timeout"
)

// Errors returned by the engine API.
var (
	ErrPlanNotFound            = errors.New("plan execution not found")
	ErrNodeNotFound            = errors.New("node execution not found")
	ErrPlanTerminal            = errors.New("plan execution already finished")
	ErrLeaseHeld               = store.ErrLeaseHeld
	ErrMalformedPlan           = plan.ErrMalformedPlan
	ErrNotAwaitingIntervention = errors.New("node execution is not awaiting intervention")
	ErrMailboxFull             = errors.New("plan execution mailbox full")
	ErrInvalidAction           = errors.New("action not allowed for intervention")
)

// Defaults applied by New.
const (
	DefaultMailboxSize         = 256
	DefaultStepWorkers         = 64
	DefaultLeaseTTL            = 30 * time.Second
	DefaultMaxDispatchAttempts = 5
	DefaultTaskTimeout         = 5 * time.Minute
)

// EventPublisher receives every lifecycle event the engine emits.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// ErrorReporter receives fatal plan errors.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

// Options configures an Engine.
type Options struct {
	Store      store.Store
	Plans      plan.Source
	Steps      *step.Registry
	Dispatcher *dispatch.Dispatcher
	Timeouts   *timeout.Registry
	Barriers   *barrier.Coordinator
	Bus        EventPublisher
	Reporter   ErrorReporter
	Logger     *slog.Logger

	// Owner identifies this process in plan leases.
	Owner               string
	LeaseTTL            time.Duration
	MailboxSize         int
	StepWorkers         int
	MaxDispatchAttempts int
	DefaultTaskTimeout  time.Duration
	// DispatchBackoff is the first wait before re-dispatching a task that
	// found no capacity. Later waits grow exponentially.
	DispatchBackoff time.Duration
}

// Engine is the plan driver. It owns one runner per active plan execution.
type Engine struct {
	opts     Options
	store    store.Store
	plans    plan.Source
	steps    *step.Registry
	dispatch *dispatch.Dispatcher
	timeouts *timeout.Registry
	barriers *barrier.Coordinator
	broker   *EventBroker
	logger   *slog.Logger
	tracer   trace.Tracer
	workers  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runners map[string]*planRunner
	nodes   sync.Map // node execution id -> *planRunner
}

// New creates an Engine and wires it as the dispatcher's resume target.
func New(opts Options) *Engine {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.StepWorkers <= 0 {
		opts.StepWorkers = DefaultStepWorkers
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.MaxDispatchAttempts <= 0 {
		opts.MaxDispatchAttempts = DefaultMaxDispatchAttempts
	}
	if opts.DefaultTaskTimeout <= 0 {
		opts.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if opts.DispatchBackoff <= 0 {
		opts.DispatchBackoff = 500 * time.Millisecond
	}
	if opts.Owner == "" {
		opts.Owner = model.NewID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		store:    opts.Store,
		plans:    opts.Plans,
		steps:    opts.Steps,
		dispatch: opts.Dispatcher,
		timeouts: opts.Timeouts,
		barriers: opts.Barriers,
		broker:   NewEventBroker(),
		logger:   opts.Logger,
		tracer:   otel.Tracer("github.com/Siddhartha-nandan/harness-core-sub015/internal/engine"),
		workers:  semaphore.NewWeighted(int64(opts.StepWorkers)),
		ctx:      ctx,
		cancel:   cancel,
		runners:  make(map[string]*planRunner),
	}
	e.dispatch.SetResumeFunc(e.onTaskResponse)
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Owner returns the lease owner id of this engine.
func (e *Engine) Owner() string {
	return e.opts.Owner
}

// Run sweeps the timeout registry and routes expiries to their plan runners
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- e.timeouts.Run(ctx) }()

	for entry := range e.timeouts.Expired() {
		e.routeExpiry(entry)
	}
	return <-errc
}

// routeExpiry hands a fired timeout to the runner of its plan without
// blocking the sweep loop. An expiry no runner can take resolves its task
// directly so the reservation is not held forever.
func (e *Engine) routeExpiry(entry model.TimeoutEntry) {
	r := e.runner(entry.PlanExecutionID)
	if r == nil {
		e.expireOrphan(entry.NodeExecutionID, entry.CallbackToken)
		return
	}
	ev := event{kind: evExpired, nodeExecID: entry.NodeExecutionID, token: entry.CallbackToken}
	err := r.post(ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrMailboxFull):
		e.logger.Warn("plan mailbox full, delivering timeout in the background",
			"plan_execution_id", entry.PlanExecutionID,
			"node_execution_id", entry.NodeExecutionID,
		)
		go func() {
			if !r.deliver(ev) {
				e.expireOrphan(entry.NodeExecutionID, entry.CallbackToken)
			}
		}()
	default:
		e.expireOrphan(entry.NodeExecutionID, entry.CallbackToken)
	}
}

// expireOrphan times out the open task of a node whose runner is gone.
func (e *Engine) expireOrphan(nodeExecutionID, token string) {
	if task, ok := e.dispatch.ExpireNode(context.Background(), nodeExecutionID, token); ok {
		e.logger.Warn("expired task of a node no runner drives",
			"node_execution_id", nodeExecutionID,
			"task_id", task.TaskID,
		)
	}
}

// Close stops every runner without finalizing its plan and releases the
// leases so another process can recover them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Ping reports whether the engine's store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// ActivePlans returns the number of plan executions driven by this engine.
func (e *Engine) ActivePlans() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

func (e *Engine) runner(planExecutionID string) *planRunner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[planExecutionID]
}

// StartPlan loads the plan of planExecutionID from the plan source and starts
// driving it. Starting a plan that is already running is accepted without
// effect. A malformed plan fails the plan execution and returns an error
// wrapping ErrMalformedPlan.
func (e *Engine) StartPlan(ctx context.Context, planExecutionID string) error {
	if e.runner(planExecutionID) != nil {
		return nil
	}

	existing, err := e.store.GetPlanExecution(ctx, planExecutionID)
	switch {
	case err == nil && existing.Status.Terminal():
		return fmt.Errorf("start plan %s: %w", planExecutionID, ErrPlanTerminal)
	case err == nil:
		return e.recoverPlan(ctx, existing)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("start plan %s: %w", planExecutionID, err)
	}

	p, err := e.plans.Get(ctx, planExecutionID)
	if errors.Is(err, plan.ErrPlanNotFound) {
		return fmt.Errorf("start plan %s: %w", planExecutionID, ErrPlanNotFound)
	}
	if err != nil {
		return fmt.Errorf("start plan %s: %w", planExecutionID, err)
	}
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", planExecutionID, err)
	}

	if _, err := e.store.AcquireLease(ctx, planExecutionID, e.opts.Owner, e.opts.LeaseTTL); err != nil {
		return fmt.Errorf("start plan %s: %w", planExecutionID, err)
	}

	now := time.Now().UTC()
	pe := &model.PlanExecution{
		ID:        planExecutionID,
		Status:    model.PlanRunning,
		Owner:     e.opts.Owner,
		CreatedAt: now,
		StartedAt: &now,
	}

	if verr := plan.Validate(p, e.steps.Has); verr != nil {
		pe.Status = model.PlanFailed
		pe.Error = verr.Error()
		pe.FinishedAt = &now
		if err := e.store.CreatePlanExecution(ctx, pe, definition); err != nil {
			e.logger.Error("persist malformed plan execution", "plan_execution_id", planExecutionID, "error", err)
		}
		e.releaseLease(planExecutionID)
		e.report(verr, planExecutionID)
		e.broker.Close(planExecutionID)
		plansFinished.WithLabelValues(string(model.PlanFailed)).Inc()
		e.logger.Error("plan rejected", "plan_execution_id", planExecutionID, "error", verr)
		return fmt.Errorf("start plan %s: %w", planExecutionID, verr)
	}

	if err := e.store.CreatePlanExecution(ctx, pe, definition); err != nil {
		e.releaseLease(planExecutionID)
		return fmt.Errorf("start plan %s: %w", planExecutionID, err)
	}

	r := newPlanRunner(e, pe, p)
	e.launch(r, event{kind: evStart})
	e.logger.Info("plan started", "plan_execution_id", planExecutionID, "nodes", len(p.Nodes))
	return nil
}

// launch registers r and starts its actor with first as the first event. It
// reports false when another runner already drives the plan.
func (e *Engine) launch(r *planRunner, first event) bool {
	e.mu.Lock()
	if _, ok := e.runners[r.id]; ok {
		e.mu.Unlock()
		return false
	}
	e.runners[r.id] = r
	e.mu.Unlock()
	activePlans.Inc()
	for id := range r.execs {
		e.nodes.Store(id, r)
	}

	r.mailbox <- first
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.loop()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.keepLease()
	}()
	return true
}

// unregister removes a finished or stopped runner.
func (e *Engine) unregister(r *planRunner) {
	e.mu.Lock()
	if e.runners[r.id] == r {
		delete(e.runners, r.id)
		activePlans.Dec()
	}
	e.mu.Unlock()
	for id := range r.execs {
		e.nodes.CompareAndDelete(id, r)
	}
}

// Resume delivers a response for a node execution waiting on a task. Resuming
// a node that is no longer waiting is a no-op.
func (e *Engine) Resume(ctx context.Context, nodeExecutionID string, response map[string]any, asyncErr error) error {
	r, err := e.ownerOf(ctx, nodeExecutionID)
	if err != nil || r == nil {
		return err
	}
	err = r.post(event{kind: evResume, nodeExecID: nodeExecutionID, response: response, asyncErr: asyncErr, direct: true})
	if errors.Is(err, ErrPlanTerminal) {
		return nil
	}
	return err
}

// onTaskResponse is the dispatcher's resume callback.
func (e *Engine) onTaskResponse(nodeExecutionID string, response map[string]any, asyncErr error) {
	v, ok := e.nodes.Load(nodeExecutionID)
	if !ok {
		e.logger.Warn("task response for node not driven here", "node_execution_id", nodeExecutionID)
		return
	}
	v.(*planRunner).deliver(event{kind: evResume, nodeExecID: nodeExecutionID, response: response, asyncErr: asyncErr})
}

// ownerOf returns the live runner of a node execution. It returns nil without
// error when the node's plan already finished.
func (e *Engine) ownerOf(ctx context.Context, nodeExecutionID string) (*planRunner, error) {
	if v, ok := e.nodes.Load(nodeExecutionID); ok {
		return v.(*planRunner), nil
	}
	ne, err := e.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	if r := e.runner(ne.PlanExecutionID); r != nil {
		return r, nil
	}
	pe, err := e.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if pe.Status.Terminal() {
		return nil, nil
	}
	return nil, fmt.Errorf("plan %s: %w", pe.ID, ErrLeaseHeld)
}

// AbortPlan discards every non-terminal node execution of a plan and cancels
// its outstanding tasks. Aborting a finished plan is a no-op.
func (e *Engine) AbortPlan(ctx context.Context, planExecutionID string) error {
	if r := e.runner(planExecutionID); r != nil {
		err := r.send(ctx, event{kind: evAbort, reason: "aborted by user"})
		if errors.Is(err, ErrPlanTerminal) {
			return nil
		}
		return err
	}
	pe, err := e.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status.Terminal() {
		return nil
	}
	return fmt.Errorf("abort plan %s: %w", planExecutionID, ErrLeaseHeld)
}

// Intervene applies an operator decision to a node execution whose plan is
// waiting for manual intervention.
func (e *Engine) Intervene(ctx context.Context, planExecutionID, nodeExecutionID string, action model.Action) error {
	switch action {
	case model.ActionRetry, model.ActionProceed, model.ActionAbort,
		model.ActionOnFailRollback, model.ActionOnFailPipelineRollback:
	default:
		return fmt.Errorf("intervene with %q: %w", action, ErrInvalidAction)
	}

	r := e.runner(planExecutionID)
	if r == nil {
		pe, err := e.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return err
		}
		if pe.Status.Terminal() {
			return fmt.Errorf("intervene in %s: %w", planExecutionID, ErrPlanTerminal)
		}
		return fmt.Errorf("intervene in %s: %w", planExecutionID, ErrLeaseHeld)
	}

	reply := make(chan error, 1)
	if err := r.post(event{kind: evIntervene, nodeExecID: nodeExecutionID, action: action, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return fmt.Errorf("intervene in %s: %w", planExecutionID, ErrPlanTerminal)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPlanExecution returns a snapshot of a plan execution.
func (e *Engine) GetPlanExecution(ctx context.Context, planExecutionID string) (*model.PlanExecution, error) {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("plan %s: %w", planExecutionID, ErrPlanNotFound)
	}
	return pe, err
}

// GetNodeExecution returns a snapshot of a node execution.
func (e *Engine) GetNodeExecution(ctx context.Context, nodeExecutionID string) (*model.NodeExecution, error) {
	ne, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("node %s: %w", nodeExecutionID, ErrNodeNotFound)
	}
	return ne, err
}

// ListNodeExecutions returns every node execution of a plan in creation order.
func (e *Engine) ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*model.NodeExecution, error) {
	if _, err := e.GetPlanExecution(ctx, planExecutionID); err != nil {
		return nil, err
	}
	return e.store.ListNodeExecutions(ctx, planExecutionID)
}

// ListPlanExecutions returns plan executions, optionally filtered by status.
func (e *Engine) ListPlanExecutions(ctx context.Context, statuses ...model.PlanStatus) ([]*model.PlanExecution, error) {
	return e.store.ListPlanExecutions(ctx, statuses...)
}

// GetOutcome returns an outcome body by reference.
func (e *Engine) GetOutcome(ctx context.Context, ref string) (map[string]any, error) {
	return e.store.GetOutcome(ctx, ref)
}

func (e *Engine) releaseLease(planExecutionID string) {
	if err := e.store.ReleaseLease(context.Background(), planExecutionID, e.opts.Owner); err != nil {
		e.logger.Error("release lease", "plan_execution_id", planExecutionID, "error", err)
	}
}

func (e *Engine) report(err error, planExecutionID string) {
	if e.opts.Reporter == nil {
		return
	}
	e.opts.Reporter.Report(err, map[string]string{"plan_execution_id": planExecutionID})
}

func (e *Engine) publish(ev model.Event) {
	e.broker.Publish(ev)
	if e.opts.Bus == nil {
		return
	}
	if err := e.opts.Bus.Publish(e.ctx, ev); err != nil {
		e.logger.Debug("publish event", "plan_execution_id", ev.PlanExecutionID, "error", err)
	}
}
