// Package dispatch sends task payloads to executors and correlates their
// asynchronous responses back to the originating node execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/timeout"
)

// ErrNoAvailableExecutor is returned when no executor can be reached for a task.
var ErrNoAvailableExecutor = errors.New("no available executor")

const defaultTaskTimeout = 5 * time.Minute

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dispatch_total",
		Help: "Dispatch attempts by outcome.",
	}, []string{"outcome"})
	resolutionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_resolutions_total",
		Help: "Dispatched tasks resolved, by terminal status.",
	}, []string{"status"})
	responseAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_response_anomalies_total",
		Help: "Responses received for unknown or already resolved tasks.",
	})
)

func init() {
	prometheus.MustRegister(dispatchTotal, resolutionTotal, responseAnomalies)
}

// ResumeFunc is called once per task response with the node to resume.
type ResumeFunc func(nodeExecutionID string, response map[string]any, asyncErr error)

// Journal persists task status changes. Implementations must be safe for
// concurrent use.
type Journal interface {
	SaveTask(ctx context.Context, task model.DispatchedTask) error
}

// Request describes one task to dispatch for a node execution.
type Request struct {
	PlanExecutionID string
	NodeExecutionID string
	Category        string
	Selectors       []string
	Capacity        int
	Payload         map[string]any
	Timeout         time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Capacity  *capacity.Tracker
	Timeouts  *timeout.Registry
	Executors *delegate.Registry
	Transport delegate.Transport
	Journal   Journal
	Logger    *slog.Logger
}

type record struct {
	mu   sync.Mutex
	task model.DispatchedTask
}

// Dispatcher owns the lifecycle of DispatchedTasks. Every task holds exactly
// one timeout entry and one capacity reservation until it is resolved, and is
// resolved exactly once.
type Dispatcher struct {
	tasks     sync.Map // task id -> *record
	capacity  *capacity.Tracker
	timeouts  *timeout.Registry
	executors *delegate.Registry
	transport delegate.Transport
	journal   Journal
	logger    *slog.Logger
	tracer    trace.Tracer

	resumeMu sync.RWMutex
	resume   ResumeFunc
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		capacity:  opts.Capacity,
		timeouts:  opts.Timeouts,
		executors: opts.Executors,
		transport: opts.Transport,
		journal:   opts.Journal,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"),
	}
}

// SetResumeFunc sets the callback that receives task responses.
func (d *Dispatcher) SetResumeFunc(f ResumeFunc) {
	d.resumeMu.Lock()
	defer d.resumeMu.Unlock()
	d.resume = f
}

// Dispatch reserves capacity on an executor, registers the task's timeout and
// hands the payload to the transport. It returns a *capacity.NoCapacityError
// when every candidate is full and ErrNoAvailableExecutor when no executor
// serves the request or the chosen one cannot be reached.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (model.DispatchedTask, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(
		attribute.String("plan_execution_id", req.PlanExecutionID),
		attribute.String("node_execution_id", req.NodeExecutionID),
		attribute.String("category", req.Category),
	))
	defer span.End()

	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTaskTimeout
	}

	candidates := d.executors.Candidates(req.Category, req.Selectors)
	if len(candidates) == 0 {
		dispatchTotal.WithLabelValues("no_executor").Inc()
		span.SetStatus(codes.Error, "no executor")
		return model.DispatchedTask{}, fmt.Errorf("dispatch %s: no executor serves %q: %w",
			req.NodeExecutionID, req.Category, ErrNoAvailableExecutor)
	}

	executorID, err := d.capacity.Reserve(candidates, req.Category, req.Capacity)
	if err != nil {
		dispatchTotal.WithLabelValues("no_capacity").Inc()
		span.SetStatus(codes.Error, "no capacity")
		return model.DispatchedTask{}, fmt.Errorf("dispatch %s: %w", req.NodeExecutionID, err)
	}

	now := time.Now()
	entry := d.timeouts.Register(req.PlanExecutionID, req.NodeExecutionID, now.Add(req.Timeout))
	task := model.DispatchedTask{
		TaskID:          model.NewID(),
		NodeExecutionID: req.NodeExecutionID,
		PlanExecutionID: req.PlanExecutionID,
		ExecutorID:      executorID,
		Category:        req.Category,
		Capacity:        req.Capacity,
		Payload:         req.Payload,
		Deadline:        entry.Deadline,
		TimeoutToken:    entry.CallbackToken,
		Status:          model.TaskPending,
		CreatedAt:       now,
	}
	rec := &record{task: task}
	d.tasks.Store(task.TaskID, rec)
	d.save(ctx, task)
	span.SetAttributes(attribute.String("task_id", task.TaskID), attribute.String("executor_id", executorID))

	err = d.transport.Send(ctx, delegate.Task{
		TaskID:          task.TaskID,
		ExecutorID:      executorID,
		NodeExecutionID: task.NodeExecutionID,
		PlanExecutionID: task.PlanExecutionID,
		Category:        task.Category,
		Payload:         task.Payload,
		Deadline:        task.Deadline,
	})
	if err != nil {
		// The executor may have taken the task even though the send failed.
		if cancelled, ok := d.resolve(ctx, task.TaskID, model.TaskCancelled); ok {
			d.cancelOnExecutor(ctx, cancelled)
		}
		dispatchTotal.WithLabelValues("unreachable").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "unreachable")
		return model.DispatchedTask{}, fmt.Errorf("dispatch %s: %w: %v", req.NodeExecutionID, ErrNoAvailableExecutor, err)
	}

	rec.mu.Lock()
	delivered := rec.task.Status == model.TaskPending
	if delivered {
		rec.task.Status = model.TaskDelivered
	}
	task = rec.task
	rec.mu.Unlock()
	if delivered {
		d.save(ctx, task)
	}
	if task.Status == model.TaskTimedOut || task.Status == model.TaskCancelled {
		// Resolved while the send was in flight, so the executor holds a task
		// nobody waits for.
		d.cancelOnExecutor(ctx, task)
	}
	dispatchTotal.WithLabelValues("delivered").Inc()
	d.logger.Debug("task dispatched",
		"task_id", task.TaskID,
		"node_execution_id", task.NodeExecutionID,
		"executor_id", executorID,
	)
	return task, nil
}

// resolve moves a task to a terminal status and releases its timeout entry and
// capacity reservation. Only the first call for a task has any effect.
func (d *Dispatcher) resolve(ctx context.Context, taskID string, status model.TaskStatus) (model.DispatchedTask, bool) {
	v, ok := d.tasks.LoadAndDelete(taskID)
	if !ok {
		return model.DispatchedTask{}, false
	}
	rec := v.(*record)
	rec.mu.Lock()
	rec.task.Status = status
	task := rec.task
	rec.mu.Unlock()

	d.timeouts.CancelIf(task.NodeExecutionID, task.TimeoutToken)
	if err := d.capacity.Release(task.ExecutorID, task.Category, task.Capacity); err != nil {
		d.logger.Warn("release capacity", "task_id", taskID, "executor_id", task.ExecutorID, "error", err)
	}
	resolutionTotal.WithLabelValues(string(status)).Inc()
	d.save(ctx, task)
	return task, true
}

// OnResponse resolves a task with an executor's response and resumes its node.
// A response for an unknown or already resolved task is logged and dropped.
func (d *Dispatcher) OnResponse(ctx context.Context, resp delegate.Response) {
	task, ok := d.resolve(ctx, resp.TaskID, model.TaskResponded)
	if !ok {
		responseAnomalies.Inc()
		d.logger.Warn("discarding response for unknown or resolved task", "task_id", resp.TaskID)
		return
	}

	var asyncErr error
	if resp.Error != "" {
		asyncErr = errors.New(resp.Error)
	}

	d.resumeMu.RLock()
	resume := d.resume
	d.resumeMu.RUnlock()
	if resume == nil {
		d.logger.Error("no resume callback for task response", "task_id", resp.TaskID)
		return
	}
	resume(task.NodeExecutionID, resp.Result, asyncErr)
}

// Expire resolves a task whose timeout fired and asks its executor to stop. It
// reports false when the task was already resolved, for example by a response
// that arrived first.
func (d *Dispatcher) Expire(ctx context.Context, taskID string) bool {
	task, ok := d.resolve(ctx, taskID, model.TaskTimedOut)
	if ok {
		d.cancelOnExecutor(ctx, task)
	}
	return ok
}

// ExpireNode times out the open task of nodeExecutionID registered under the
// timeout token, and asks its executor to stop. It is used for expiries whose
// node no longer has a runner to route them to.
func (d *Dispatcher) ExpireNode(ctx context.Context, nodeExecutionID, token string) (model.DispatchedTask, bool) {
	var taskID string
	d.tasks.Range(func(k, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		match := rec.task.NodeExecutionID == nodeExecutionID && rec.task.TimeoutToken == token
		rec.mu.Unlock()
		if match {
			taskID = k.(string)
			return false
		}
		return true
	})
	if taskID == "" {
		return model.DispatchedTask{}, false
	}
	task, ok := d.resolve(ctx, taskID, model.TaskTimedOut)
	if !ok {
		return model.DispatchedTask{}, false
	}
	d.cancelOnExecutor(ctx, task)
	return task, true
}

// Resolve marks a task as answered without a transport response. It is used
// when a node is resumed directly.
func (d *Dispatcher) Resolve(ctx context.Context, taskID string) bool {
	_, ok := d.resolve(ctx, taskID, model.TaskResponded)
	return ok
}

// Cancel resolves a task as cancelled and asks its executor to stop.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) bool {
	task, ok := d.resolve(ctx, taskID, model.TaskCancelled)
	if !ok {
		return false
	}
	d.cancelOnExecutor(ctx, task)
	return true
}

func (d *Dispatcher) cancelOnExecutor(ctx context.Context, task model.DispatchedTask) {
	if err := d.transport.Cancel(context.WithoutCancel(ctx), task.TaskID, task.ExecutorID); err != nil {
		d.logger.Warn("cancel task on executor", "task_id", task.TaskID, "executor_id", task.ExecutorID, "error", err)
	}
}

// Restore re-tracks a task that was in flight before a restart: its capacity
// is re-reserved on the same executor and its timeout re-registered with the
// original deadline.
func (d *Dispatcher) Restore(ctx context.Context, task model.DispatchedTask) (model.DispatchedTask, error) {
	if task.Status.Terminal() {
		return task, fmt.Errorf("restore task %s: already %s", task.TaskID, task.Status)
	}
	if err := d.capacity.ReserveOn(task.ExecutorID, task.Category, task.Capacity); err != nil {
		return task, fmt.Errorf("restore task %s: %w", task.TaskID, err)
	}
	entry := d.timeouts.Register(task.PlanExecutionID, task.NodeExecutionID, task.Deadline)
	task.TimeoutToken = entry.CallbackToken
	d.tasks.Store(task.TaskID, &record{task: task})
	d.save(ctx, task)
	return task, nil
}

// Task returns an unresolved task.
func (d *Dispatcher) Task(taskID string) (model.DispatchedTask, bool) {
	v, ok := d.tasks.Load(taskID)
	if !ok {
		return model.DispatchedTask{}, false
	}
	rec := v.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task, true
}

// Open returns every unresolved task ordered by task id.
func (d *Dispatcher) Open() []model.DispatchedTask {
	var open []model.DispatchedTask
	d.tasks.Range(func(_, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		open = append(open, rec.task)
		rec.mu.Unlock()
		return true
	})
	sort.Slice(open, func(i, j int) bool { return open[i].TaskID < open[j].TaskID })
	return open
}

func (d *Dispatcher) save(ctx context.Context, task model.DispatchedTask) {
	if d.journal == nil {
		return
	}
	if err := d.journal.SaveTask(context.WithoutCancel(ctx), task); err != nil {
		d.logger.Error("persist task", "task_id", task.TaskID, "error", err)
	}
}
