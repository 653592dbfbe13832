package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/model"
)

func blockUntilCancelled(ctx context.Context, _ delegate.Task) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func startPlan(t *testing.T, baseURL string, body map[string]any) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/plan-executions", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start plan status = %d, want 202", resp.StatusCode)
	}
	var got startPlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.PlanExecutionID == "" {
		t.Fatal("plan_execution_id is empty")
	}
	return got.PlanExecutionID
}

func noopPlan() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "a", "step_type": "Noop", "children": []string{"b"}},
			{"id": "b", "step_type": "Noop"},
		},
	}
}

func delegatePlan() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "task", "step_type": "DelegateTask", "params": map[string]any{"category": "shell"}},
		},
	}
}

func TestStartPlanRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan_execution_id": "plan-1", "plan": noopPlan()})
	if id != "plan-1" {
		t.Errorf("plan_execution_id = %q, want plan-1", id)
	}
	waitForPlan(t, env.engine, id, model.PlanSucceeded)

	resp, err := http.Get(ts.URL + "/v1/plan-executions/" + id)
	if err != nil {
		t.Fatalf("GET plan: %v", err)
	}
	defer resp.Body.Close()
	var pe model.PlanExecution
	if err := json.NewDecoder(resp.Body).Decode(&pe); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if pe.Status != model.PlanSucceeded {
		t.Errorf("status = %q, want SUCCEEDED", pe.Status)
	}

	nodesResp, err := http.Get(ts.URL + "/v1/plan-executions/" + id + "/nodes")
	if err != nil {
		t.Fatalf("GET nodes: %v", err)
	}
	defer nodesResp.Body.Close()
	var nodes []model.NodeExecution
	if err := json.NewDecoder(nodesResp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}

	nodeResp, err := http.Get(ts.URL + "/v1/node-executions/" + nodes[0].ID)
	if err != nil {
		t.Fatalf("GET node: %v", err)
	}
	defer nodeResp.Body.Close()
	if nodeResp.StatusCode != http.StatusOK {
		t.Errorf("GET node status = %d, want 200", nodeResp.StatusCode)
	}

	again := postJSON(t, ts.URL+"/v1/plan-executions", map[string]any{"plan_execution_id": id})
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("restart finished plan status = %d, want 409", again.StatusCode)
	}
}

func TestStartPlanGeneratesID(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan": noopPlan()})
	waitForPlan(t, env.engine, id, model.PlanSucceeded)
}

func TestStartPlanErrors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{not json", http.StatusBadRequest},
		{"empty body", "", http.StatusBadRequest},
		{"unknown plan", `{"plan_execution_id":"missing"}`, http.StatusNotFound},
		{"cyclic plan", `{"plan":{"nodes":[{"id":"a","step_type":"Noop","children":["b"]},{"id":"b","step_type":"Noop","children":["a"]}]}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/plan-executions", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v (%v), want an error message", body, err)
			}
		})
	}
}

func TestGetUnknownPlanAndNode(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	for _, path := range []string{
		"/v1/plan-executions/missing",
		"/v1/plan-executions/missing/nodes",
		"/v1/plan-executions/missing/events",
		"/v1/node-executions/missing",
		"/v1/outcomes/missing",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListPlansFiltersByStatus(t *testing.T) {
	env := newTestEnv(t, blockUntilCancelled)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	done := startPlan(t, ts.URL, map[string]any{"plan": noopPlan()})
	waitForPlan(t, env.engine, done, model.PlanSucceeded)
	running := startPlan(t, ts.URL, map[string]any{"plan": delegatePlan()})
	waitForNode(t, env.engine, running, "task", model.StatusTaskWaiting)

	resp, err := http.Get(ts.URL + "/v1/plan-executions?status=running")
	if err != nil {
		t.Fatalf("GET plans: %v", err)
	}
	defer resp.Body.Close()
	var plans []model.PlanExecution
	if err := json.NewDecoder(resp.Body).Decode(&plans); err != nil {
		t.Fatalf("decode plans: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != running {
		t.Errorf("running plans = %+v, want only %s", plans, running)
	}

	all, err := http.Get(ts.URL + "/v1/plan-executions?limit=1")
	if err != nil {
		t.Fatalf("GET plans: %v", err)
	}
	defer all.Body.Close()
	plans = nil
	if err := json.NewDecoder(all.Body).Decode(&plans); err != nil {
		t.Fatalf("decode plans: %v", err)
	}
	if len(plans) != 1 {
		t.Errorf("plans with limit=1 = %d, want 1", len(plans))
	}
}

func TestResumeNodeOverHTTP(t *testing.T) {
	env := newTestEnv(t, blockUntilCancelled)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan": delegatePlan()})
	waiting := waitForNode(t, env.engine, id, "task", model.StatusTaskWaiting)

	resp := postJSON(t, ts.URL+"/v1/node-executions/"+waiting.ID+"/resume", map[string]any{
		"response": map[string]any{"status": "SUCCESS", "output": "resumed"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resume status = %d, want 202", resp.StatusCode)
	}
	waitForPlan(t, env.engine, id, model.PlanSucceeded)

	ne, err := env.engine.GetNodeExecution(context.Background(), waiting.ID)
	if err != nil {
		t.Fatalf("GetNodeExecution: %v", err)
	}
	if len(ne.OutcomeRefs) != 1 {
		t.Fatalf("outcome refs = %v, want one", ne.OutcomeRefs)
	}
	out, err := http.Get(ts.URL + "/v1/outcomes/" + ne.OutcomeRefs[0])
	if err != nil {
		t.Fatalf("GET outcome: %v", err)
	}
	defer out.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(out.Body).Decode(&body); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if body["output"] != "resumed" {
		t.Errorf("output = %v, want resumed", body["output"])
	}

	missing := postJSON(t, ts.URL+"/v1/node-executions/missing/resume", map[string]any{})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("resume missing status = %d, want 404", missing.StatusCode)
	}
}

func TestTaskResponseOverHTTP(t *testing.T) {
	env := newTestEnv(t, blockUntilCancelled)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan": delegatePlan()})
	waitForNode(t, env.engine, id, "task", model.StatusTaskWaiting)

	open := env.dispatcher.Open()
	if len(open) != 1 {
		t.Fatalf("open tasks = %d, want 1", len(open))
	}
	taskURL := ts.URL + "/v1/tasks/" + open[0].TaskID + "/response"

	resp := postJSON(t, taskURL, map[string]any{"result": map[string]any{"status": "SUCCESS"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("task response status = %d, want 202", resp.StatusCode)
	}
	waitForPlan(t, env.engine, id, model.PlanSucceeded)

	again := postJSON(t, taskURL, map[string]any{"result": map[string]any{"status": "FAILURE"}})
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second task response status = %d, want 404", again.StatusCode)
	}
}

func TestAbortAndIntervene(t *testing.T) {
	env := newTestEnv(t, blockUntilCancelled)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan": delegatePlan()})
	waiting := waitForNode(t, env.engine, id, "task", model.StatusTaskWaiting)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing fields", map[string]any{}, http.StatusBadRequest},
		{"invalid action", map[string]any{"node_execution_id": waiting.ID, "action": "RETRY_WITH_ROLLBACK"}, http.StatusBadRequest},
		{"not awaiting", map[string]any{"node_execution_id": waiting.ID, "action": "PROCEED"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/plan-executions/"+id+"/interventions", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp := postJSON(t, ts.URL+"/v1/plan-executions/"+id+"/abort", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("abort status = %d, want 202", resp.StatusCode)
	}
	waitForPlan(t, env.engine, id, model.PlanAborted)

	after := postJSON(t, ts.URL+"/v1/plan-executions/"+id+"/interventions",
		map[string]any{"node_execution_id": waiting.ID, "action": "RETRY"})
	after.Body.Close()
	if after.StatusCode != http.StatusConflict {
		t.Errorf("intervene after abort status = %d, want 409", after.StatusCode)
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t, blockUntilCancelled)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id := startPlan(t, ts.URL, map[string]any{"plan": delegatePlan()})
	waiting := waitForNode(t, env.engine, id, "task", model.StatusTaskWaiting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/plan-executions/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	if err := env.engine.Resume(context.Background(), waiting.ID, map[string]any{"status": "SUCCESS"}, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	var types []string
	var lastPlanStatus string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if typ, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, typ)
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || len(types) == 0 || types[len(types)-1] != model.EventPlanStatus {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		lastPlanStatus = ev.Status
	}

	if len(types) == 0 || types[len(types)-1] != "done" {
		t.Fatalf("event types = %v, want a trailing done", types)
	}
	if lastPlanStatus != string(model.PlanSucceeded) {
		t.Errorf("last plan status = %q, want SUCCEEDED", lastPlanStatus)
	}

	finished, err := http.Get(ts.URL + "/v1/plan-executions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events after finish: %v", err)
	}
	defer finished.Body.Close()
	body := new(bytes.Buffer)
	body.ReadFrom(finished.Body)
	if !strings.Contains(body.String(), "event: done") {
		t.Errorf("stream of finished plan = %q, want a done event", body.String())
	}
}
