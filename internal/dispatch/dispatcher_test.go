package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/timeout"
)

// fakeTransport records sent and cancelled tasks.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []delegate.Task
	cancelled []string
	sendErr   error
	// onSend runs before the send is recorded, without the lock held.
	onSend func(task delegate.Task)
}

func (f *fakeTransport) Send(_ context.Context, task delegate.Task) error {
	if f.onSend != nil {
		f.onSend(task)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, task)
	return nil
}

func (f *fakeTransport) Cancel(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

// memJournal keeps the last saved status per task.
type memJournal struct {
	mu    sync.Mutex
	tasks map[string]model.DispatchedTask
}

func (j *memJournal) SaveTask(_ context.Context, task model.DispatchedTask) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks[task.TaskID] = task
	return nil
}

type resumeCall struct {
	nodeExecutionID string
	response        map[string]any
	asyncErr        error
}

type harness struct {
	d         *dispatch.Dispatcher
	tracker   *capacity.Tracker
	timeouts  *timeout.Registry
	transport *fakeTransport
	journal   *memJournal
	resumes   []resumeCall
}

func newHarness(t *testing.T, total int) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := &harness{
		tracker:   capacity.NewTracker(),
		timeouts:  timeout.NewRegistry(time.Hour, logger),
		transport: &fakeTransport{},
		journal:   &memJournal{tasks: make(map[string]model.DispatchedTask)},
	}
	executors := delegate.NewRegistry(h.tracker, 0)
	if err := executors.Register(delegate.Executor{ID: "exec-a", Capacities: map[string]int{"shell": total}}); err != nil {
		t.Fatal(err)
	}
	h.d = dispatch.New(dispatch.Options{
		Capacity:  h.tracker,
		Timeouts:  h.timeouts,
		Executors: executors,
		Transport: h.transport,
		Journal:   h.journal,
		Logger:    logger,
	})
	h.d.SetResumeFunc(func(id string, resp map[string]any, asyncErr error) {
		h.resumes = append(h.resumes, resumeCall{id, resp, asyncErr})
	})
	return h
}

func (h *harness) reserved(t *testing.T) int {
	t.Helper()
	rec, ok := h.tracker.Record("exec-a", "shell")
	if !ok {
		t.Fatal("executor missing from tracker")
	}
	return rec.ReservedCapacity
}

func request(node string) dispatch.Request {
	return dispatch.Request{
		PlanExecutionID: "plan-1",
		NodeExecutionID: node,
		Category:        "shell",
		Capacity:        2,
		Payload:         map[string]any{"command": "true"},
		Timeout:         time.Minute,
	}
}

func TestDispatchPairsTimeoutAndCapacity(t *testing.T) {
	h := newHarness(t, 10)

	task, err := h.d.Dispatch(context.Background(), request("node-1"))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if task.Status != model.TaskDelivered {
		t.Errorf("Status = %s, want DELIVERED", task.Status)
	}
	if task.ExecutorID != "exec-a" {
		t.Errorf("ExecutorID = %q, want exec-a", task.ExecutorID)
	}
	if got := h.timeouts.Pending(); got != 1 {
		t.Errorf("timeouts pending = %d, want 1", got)
	}
	if got := h.reserved(t); got != 2 {
		t.Errorf("reserved = %d, want 2", got)
	}
	entry, ok := h.timeouts.Lookup("node-1")
	if !ok || entry.CallbackToken != task.TimeoutToken {
		t.Errorf("timeout entry = %+v, want token %q", entry, task.TimeoutToken)
	}
	if len(h.transport.sent) != 1 || h.transport.sent[0].TaskID != task.TaskID {
		t.Errorf("transport sent = %+v", h.transport.sent)
	}
}

func TestOnResponseReleasesOnceAndResumes(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	resp := delegate.Response{TaskID: task.TaskID, Result: map[string]any{"status": "SUCCESS"}}
	h.d.OnResponse(context.Background(), resp)
	h.d.OnResponse(context.Background(), resp)

	if len(h.resumes) != 1 {
		t.Fatalf("resume calls = %d, want 1", len(h.resumes))
	}
	if h.resumes[0].nodeExecutionID != "node-1" || h.resumes[0].response["status"] != "SUCCESS" {
		t.Errorf("resume = %+v", h.resumes[0])
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
	if got := h.timeouts.Pending(); got != 0 {
		t.Errorf("timeouts pending = %d, want 0", got)
	}
	if got := h.journal.tasks[task.TaskID].Status; got != model.TaskResponded {
		t.Errorf("journaled status = %s, want RESPONDED", got)
	}
	if _, ok := h.d.Task(task.TaskID); ok {
		t.Error("resolved task still tracked")
	}
}

func TestOnResponseWithAsyncError(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	h.d.OnResponse(context.Background(), delegate.Response{TaskID: task.TaskID, Error: "executor crashed"})

	if len(h.resumes) != 1 || h.resumes[0].asyncErr == nil {
		t.Fatalf("resume = %+v, want async error", h.resumes)
	}
	if h.resumes[0].asyncErr.Error() != "executor crashed" {
		t.Errorf("asyncErr = %v", h.resumes[0].asyncErr)
	}
}

func TestLateResponseAfterExpireIsDiscarded(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	if !h.d.Expire(context.Background(), task.TaskID) {
		t.Fatal("Expire() = false, want true")
	}
	h.d.OnResponse(context.Background(), delegate.Response{TaskID: task.TaskID})

	if len(h.resumes) != 0 {
		t.Errorf("late response resumed node: %+v", h.resumes)
	}
	if len(h.transport.cancelled) != 1 || h.transport.cancelled[0] != task.TaskID {
		t.Errorf("transport cancels = %v, want one for the expired task", h.transport.cancelled)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
	if got := h.journal.tasks[task.TaskID].Status; got != model.TaskTimedOut {
		t.Errorf("journaled status = %s, want TIMED_OUT", got)
	}
}

func TestExpireAfterResponseIsNoop(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	h.d.OnResponse(context.Background(), delegate.Response{TaskID: task.TaskID})
	if h.d.Expire(context.Background(), task.TaskID) {
		t.Error("Expire() after response = true, want false")
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0 (released exactly once)", got)
	}
}

func TestDispatchNoCapacity(t *testing.T) {
	h := newHarness(t, 3)

	if _, err := h.d.Dispatch(context.Background(), request("node-1")); err != nil {
		t.Fatalf("first Dispatch() error: %v", err)
	}
	_, err := h.d.Dispatch(context.Background(), request("node-2"))
	var noCap *capacity.NoCapacityError
	if !errors.As(err, &noCap) {
		t.Fatalf("second Dispatch() error = %v, want NoCapacityError", err)
	}
	if got := h.timeouts.Pending(); got != 1 {
		t.Errorf("timeouts pending = %d, want 1 (none for the rejected dispatch)", got)
	}
}

func TestDispatchNoExecutorForCategory(t *testing.T) {
	h := newHarness(t, 10)
	req := request("node-1")
	req.Category = "docker"

	_, err := h.d.Dispatch(context.Background(), req)
	if !errors.Is(err, dispatch.ErrNoAvailableExecutor) {
		t.Errorf("Dispatch() error = %v, want ErrNoAvailableExecutor", err)
	}
}

func TestDispatchUnreachableReleasesEverything(t *testing.T) {
	h := newHarness(t, 10)
	h.transport.sendErr = delegate.ErrUnreachable

	_, err := h.d.Dispatch(context.Background(), request("node-1"))
	if !errors.Is(err, dispatch.ErrNoAvailableExecutor) {
		t.Fatalf("Dispatch() error = %v, want ErrNoAvailableExecutor", err)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
	if got := h.timeouts.Pending(); got != 0 {
		t.Errorf("timeouts pending = %d, want 0", got)
	}
	if got := len(h.d.Open()); got != 0 {
		t.Errorf("open tasks = %d, want 0", got)
	}
	if len(h.transport.cancelled) != 1 {
		t.Errorf("transport cancels = %v, want one for the unsent task", h.transport.cancelled)
	}
	for _, task := range h.journal.tasks {
		if task.Status != model.TaskCancelled {
			t.Errorf("journaled status = %s, want CANCELLED", task.Status)
		}
		if h.transport.cancelled[0] != task.TaskID {
			t.Errorf("cancelled %q, want %q", h.transport.cancelled[0], task.TaskID)
		}
	}
}

func TestExpireNodeResolvesByToken(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	if _, ok := h.d.ExpireNode(context.Background(), "node-1", "stale-token"); ok {
		t.Fatal("ExpireNode() with a stale token = true, want false")
	}
	if _, ok := h.d.ExpireNode(context.Background(), "node-2", task.TimeoutToken); ok {
		t.Fatal("ExpireNode() for another node = true, want false")
	}

	expired, ok := h.d.ExpireNode(context.Background(), "node-1", task.TimeoutToken)
	if !ok || expired.TaskID != task.TaskID {
		t.Fatalf("ExpireNode() = %+v, %v; want task %s", expired, ok, task.TaskID)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
	if got := h.timeouts.Pending(); got != 0 {
		t.Errorf("timeouts pending = %d, want 0", got)
	}
	if got := h.journal.tasks[task.TaskID].Status; got != model.TaskTimedOut {
		t.Errorf("journaled status = %s, want TIMED_OUT", got)
	}
	if len(h.transport.cancelled) != 1 || h.transport.cancelled[0] != task.TaskID {
		t.Errorf("transport cancels = %v", h.transport.cancelled)
	}
	if _, ok := h.d.ExpireNode(context.Background(), "node-1", task.TimeoutToken); ok {
		t.Error("second ExpireNode() = true, want false")
	}
}

func TestDispatchResolvedDuringSendCancelsOnExecutor(t *testing.T) {
	h := newHarness(t, 10)
	h.transport.onSend = func(task delegate.Task) {
		if !h.d.Expire(context.Background(), task.TaskID) {
			t.Error("Expire() during send = false, want true")
		}
	}

	task, err := h.d.Dispatch(context.Background(), request("node-1"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if task.Status != model.TaskTimedOut {
		t.Errorf("status = %s, want TIMED_OUT", task.Status)
	}
	// One cancel from the expiry itself, which can reach the executor before
	// the task does, and one once the send returned.
	if len(h.transport.cancelled) != 2 || h.transport.cancelled[1] != task.TaskID {
		t.Errorf("transport cancels = %v, want two for the expired task", h.transport.cancelled)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
	if got := h.journal.tasks[task.TaskID].Status; got != model.TaskTimedOut {
		t.Errorf("journaled status = %s, want TIMED_OUT", got)
	}
}

func TestCancelNotifiesExecutor(t *testing.T) {
	h := newHarness(t, 10)
	task, _ := h.d.Dispatch(context.Background(), request("node-1"))

	if !h.d.Cancel(context.Background(), task.TaskID) {
		t.Fatal("Cancel() = false, want true")
	}
	if h.d.Cancel(context.Background(), task.TaskID) {
		t.Error("second Cancel() = true, want false")
	}
	if len(h.transport.cancelled) != 1 || h.transport.cancelled[0] != task.TaskID {
		t.Errorf("transport cancels = %v", h.transport.cancelled)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %d, want 0", got)
	}
}

func TestRestoreReTracksTask(t *testing.T) {
	h := newHarness(t, 10)
	task := model.DispatchedTask{
		TaskID:          "task-1",
		NodeExecutionID: "node-1",
		PlanExecutionID: "plan-1",
		ExecutorID:      "exec-a",
		Category:        "shell",
		Capacity:        3,
		Deadline:        time.Now().Add(time.Minute),
		Status:          model.TaskDelivered,
	}

	restored, err := h.d.Restore(context.Background(), task)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if got := h.reserved(t); got != 3 {
		t.Errorf("reserved = %d, want 3", got)
	}
	entry, ok := h.timeouts.Lookup("node-1")
	if !ok || entry.CallbackToken != restored.TimeoutToken {
		t.Errorf("timeout entry = %+v, want token %q", entry, restored.TimeoutToken)
	}
	if !entry.Deadline.Equal(task.Deadline) {
		t.Errorf("deadline = %v, want %v", entry.Deadline, task.Deadline)
	}

	h.d.OnResponse(context.Background(), delegate.Response{TaskID: "task-1"})
	if len(h.resumes) != 1 {
		t.Errorf("resume calls = %d, want 1", len(h.resumes))
	}
}
