package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makePlanExecution() *model.PlanExecution {
	return &model.PlanExecution{
		ID:        model.NewID(),
		Status:    model.PlanRunning,
		Owner:     "node-a",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func makeNodeExecution(planExecID, planNodeID string) *model.NodeExecution {
	return &model.NodeExecution{
		ID:              model.NewID(),
		PlanExecutionID: planExecID,
		PlanNodeID:      planNodeID,
		Status:          model.StatusQueued,
		OutcomeRefs:     []string{},
		CreatedAt:       time.Now().UTC(),
	}
}

func TestCreateAndGetPlanExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := makePlanExecution()
	def := []byte(`{"nodes":[{"id":"a","step_type":"Noop"}]}`)

	if err := s.CreatePlanExecution(ctx, pe, def); err != nil {
		t.Fatalf("CreatePlanExecution: %v", err)
	}

	got, err := s.GetPlanExecution(ctx, pe.ID)
	if err != nil {
		t.Fatalf("GetPlanExecution: %v", err)
	}
	if got.ID != pe.ID || got.Status != model.PlanRunning || got.Owner != "node-a" {
		t.Errorf("GetPlanExecution = %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("timestamps = %v/%v, want nil", got.StartedAt, got.FinishedAt)
	}

	gotDef, err := s.GetPlanDefinition(ctx, pe.ID)
	if err != nil {
		t.Fatalf("GetPlanDefinition: %v", err)
	}
	if string(gotDef) != string(def) {
		t.Errorf("definition = %s, want %s", gotDef, def)
	}
}

func TestGetPlanExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPlanExecution(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlanExecution error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetPlanDefinition(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlanDefinition error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePlanExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pe := makePlanExecution()
	if err := s.CreatePlanExecution(ctx, pe, nil); err != nil {
		t.Fatalf("CreatePlanExecution: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	pe.Status = model.PlanFailed
	pe.RollbackMode = true
	pe.Error = "deploy failed"
	pe.FinishedAt = &now
	if err := s.UpdatePlanExecution(ctx, pe); err != nil {
		t.Fatalf("UpdatePlanExecution: %v", err)
	}

	got, err := s.GetPlanExecution(ctx, pe.ID)
	if err != nil {
		t.Fatalf("GetPlanExecution: %v", err)
	}
	if got.Status != model.PlanFailed || !got.RollbackMode || got.Error != "deploy failed" {
		t.Errorf("GetPlanExecution = %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, now)
	}

	missing := makePlanExecution()
	if err := s.UpdatePlanExecution(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePlanExecution(missing) = %v, want ErrNotFound", err)
	}
}

func TestListPlanExecutionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []model.PlanStatus{model.PlanRunning, model.PlanSucceeded, model.PlanInterventionWaiting}
	for i, st := range statuses {
		pe := makePlanExecution()
		pe.Status = st
		pe.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreatePlanExecution(ctx, pe, nil); err != nil {
			t.Fatalf("CreatePlanExecution[%d]: %v", i, err)
		}
	}

	all, err := s.ListPlanExecutions(ctx)
	if err != nil {
		t.Fatalf("ListPlanExecutions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("plans not ordered by created_at at %d", i)
		}
	}

	active, err := s.ListPlanExecutions(ctx, model.PlanRunning, model.PlanInterventionWaiting)
	if err != nil {
		t.Fatalf("ListPlanExecutions(active): %v", err)
	}
	if len(active) != 2 {
		t.Errorf("len(active) = %d, want 2", len(active))
	}
}

func TestSaveAndGetNodeExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ne := makeNodeExecution("plan-1", "build")
	ne.StrategyExecutionID = "strategy-1"
	ne.FanOutIndex = 2

	if err := s.SaveNodeExecution(ctx, ne); err != nil {
		t.Fatalf("SaveNodeExecution: %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	ne.Status = model.StatusRunning
	ne.StartTime = &start
	if err := s.SaveNodeExecution(ctx, ne); err != nil {
		t.Fatalf("SaveNodeExecution(running): %v", err)
	}
	ne.Status = model.StatusFailed
	ne.AdviserAction = model.ActionRetry
	ne.OutcomeRefs = []string{"out-1"}
	ne.FailureInfo = &model.FailureInfo{Kind: model.FailureTask, Message: "exit 1", Retryable: true}
	if err := s.SaveNodeExecution(ctx, ne); err != nil {
		t.Fatalf("SaveNodeExecution(failed): %v", err)
	}

	got, err := s.GetNodeExecution(ctx, ne.ID)
	if err != nil {
		t.Fatalf("GetNodeExecution: %v", err)
	}
	if got.Status != model.StatusFailed || got.AdviserAction != model.ActionRetry {
		t.Errorf("GetNodeExecution = %+v", got)
	}
	if got.StrategyExecutionID != "strategy-1" || got.FanOutIndex != 2 {
		t.Errorf("strategy = %q/%d", got.StrategyExecutionID, got.FanOutIndex)
	}
	if len(got.OutcomeRefs) != 1 || got.OutcomeRefs[0] != "out-1" {
		t.Errorf("OutcomeRefs = %v", got.OutcomeRefs)
	}
	if got.FailureInfo == nil || got.FailureInfo.Kind != model.FailureTask || !got.FailureInfo.Retryable {
		t.Errorf("FailureInfo = %+v", got.FailureInfo)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
}

func TestSaveNodeExecutionRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ne := makeNodeExecution("plan-1", "build")
	if err := s.SaveNodeExecution(ctx, ne); err != nil {
		t.Fatalf("SaveNodeExecution: %v", err)
	}

	ne.Status = model.StatusSucceeded
	if err := s.SaveNodeExecution(ctx, ne); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("QUEUED -> SUCCEEDED error = %v, want ErrInvalidTransition", err)
	}

	ne.Status = model.StatusDiscarded
	if err := s.SaveNodeExecution(ctx, ne); err != nil {
		t.Fatalf("QUEUED -> DISCARDED: %v", err)
	}
	ne.Status = model.StatusRunning
	if err := s.SaveNodeExecution(ctx, ne); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal overwrite error = %v, want ErrInvalidTransition", err)
	}
}

func TestListNodeExecutionsIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, plan := range []string{"plan-1", "plan-1", "plan-2"} {
		if err := s.SaveNodeExecution(ctx, makeNodeExecution(plan, "a")); err != nil {
			t.Fatalf("SaveNodeExecution: %v", err)
		}
	}

	got, err := s.ListNodeExecutions(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ListNodeExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	empty, err := s.ListNodeExecutions(ctx, "plan-3")
	if err != nil {
		t.Fatalf("ListNodeExecutions(empty): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(empty) = %d, want 0", len(empty))
	}
}

func TestSaveTaskAndListOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := model.DispatchedTask{
		TaskID: "t1", NodeExecutionID: "n1", PlanExecutionID: "plan-1",
		ExecutorID: "exec-a", Category: "shell", Capacity: 2,
		Payload:  map[string]any{"command": "true"},
		Deadline: now.Add(time.Minute), Status: model.TaskPending, CreatedAt: now,
	}
	done := open
	done.TaskID = "t2"
	done.Status = model.TaskResponded

	for _, task := range []model.DispatchedTask{open, done} {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	open.Status = model.TaskDelivered
	if err := s.SaveTask(ctx, open); err != nil {
		t.Fatalf("SaveTask(update): %v", err)
	}

	got, err := s.ListOpenTasks(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ListOpenTasks: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("ListOpenTasks = %+v, want only t1", got)
	}
	if got[0].Status != model.TaskDelivered || got[0].Capacity != 2 {
		t.Errorf("task = %+v", got[0])
	}
	if got[0].Payload["command"] != "true" {
		t.Errorf("Payload = %v", got[0].Payload)
	}
}

func TestOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveOutcome(ctx, "ref-1", "plan-1", map[string]any{"image": "app:1"}); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	got, err := s.GetOutcome(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if got["image"] != "app:1" {
		t.Errorf("GetOutcome = %v", got)
	}
	if _, err := s.GetOutcome(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOutcome(missing) = %v, want ErrNotFound", err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if _, err := s.AcquireLease(ctx, "plan-1", "a", 30*time.Second); err != nil {
		t.Fatalf("AcquireLease(a): %v", err)
	}
	if _, err := s.AcquireLease(ctx, "plan-1", "a", 30*time.Second); err != nil {
		t.Errorf("re-acquire by holder: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "plan-1", "b", 30*time.Second); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("AcquireLease(b) = %v, want ErrLeaseHeld", err)
	}
	if _, err := s.RenewLease(ctx, "plan-1", "b", 30*time.Second); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("RenewLease(b) = %v, want ErrLeaseHeld", err)
	}
	lease, err := s.RenewLease(ctx, "plan-1", "a", 30*time.Second)
	if err != nil {
		t.Fatalf("RenewLease(a): %v", err)
	}
	if !lease.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Errorf("ExpiresAt = %v", lease.ExpiresAt)
	}

	// Expired leases can be taken over.
	now = now.Add(time.Minute)
	if _, err := s.AcquireLease(ctx, "plan-1", "b", 30*time.Second); err != nil {
		t.Fatalf("take over expired lease: %v", err)
	}
	if _, err := s.RenewLease(ctx, "plan-1", "a", 30*time.Second); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("RenewLease by previous holder = %v, want ErrLeaseHeld", err)
	}

	if err := s.ReleaseLease(ctx, "plan-1", "a"); err != nil {
		t.Fatalf("ReleaseLease(a): %v", err)
	}
	if err := s.ReleaseLease(ctx, "plan-1", "b"); err != nil {
		t.Fatalf("ReleaseLease(b): %v", err)
	}
	if _, err := s.AcquireLease(ctx, "plan-1", "c", 30*time.Second); err != nil {
		t.Errorf("AcquireLease after release: %v", err)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			t.Fatalf("re-running migration: %v", err)
		}
	}
}

func TestPing(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() on open store: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() on closed store returned nil error")
	}
}
