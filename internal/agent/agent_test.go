package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
)

const testPrefix = "orch"

// fakeConn records published messages and lets tests deliver messages to
// subscribed handlers.
type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	notify    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		published: make(map[string][][]byte),
		handlers:  make(map[string]nats.MsgHandler),
		notify:    make(chan struct{}, 64),
	}
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	f.published[subj] = append(f.published[subj], data)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeConn) deliver(t *testing.T, subj, reply string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	f.mu.Lock()
	h, ok := f.handlers[subj]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription on %s", subj)
	}
	h(&nats.Msg{Subject: subj, Reply: reply, Data: data})
}

func (f *fakeConn) messages(subj string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[subj]...)
}

// waitForResponse waits until a response for taskID is published.
func (f *fakeConn) waitForResponse(t *testing.T, taskID string) delegate.Response {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, data := range f.messages(testPrefix + ".responses") {
			var resp delegate.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.TaskID == taskID {
				return resp
			}
		}
		select {
		case <-f.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no response for task %s", taskID)
		}
	}
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opts.ExecutorID = "exec-a"
	opts.Prefix = testPrefix
	opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	a := New(conn, opts)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Close)
	return a, conn
}

func shellTask(id, command string) delegate.Task {
	return delegate.Task{TaskID: id, ExecutorID: "exec-a", Category: "shell", Payload: map[string]any{"command": command}}
}

func TestAgentRunsCommand(t *testing.T) {
	_, conn := newTestAgent(t, Options{})

	conn.deliver(t, "orch.tasks.exec-a", "_INBOX.1", shellTask("t1", "echo hello"))

	acks := conn.messages("_INBOX.1")
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	var ack delegate.Ack
	if err := json.Unmarshal(acks[0], &ack); err != nil || !ack.Accepted {
		t.Fatalf("ack = %+v (%v), want accepted", ack, err)
	}

	resp := conn.waitForResponse(t, "t1")
	if resp.Error != "" {
		t.Fatalf("response error = %q", resp.Error)
	}
	if resp.Result["status"] != "SUCCESS" {
		t.Errorf("status = %v, want SUCCESS", resp.Result["status"])
	}
	if out, _ := resp.Result["output"].(string); !strings.Contains(out, "hello") {
		t.Errorf("output = %q, want hello", out)
	}
	if resp.Result["exit_code"] != float64(0) {
		t.Errorf("exit_code = %v, want 0", resp.Result["exit_code"])
	}
}

func TestAgentReportsFailure(t *testing.T) {
	_, conn := newTestAgent(t, Options{})

	conn.deliver(t, "orch.tasks.exec-a", "_INBOX.1", shellTask("t1", "echo oops >&2; exit 3"))

	resp := conn.waitForResponse(t, "t1")
	if resp.Result["status"] != "FAILURE" {
		t.Errorf("status = %v, want FAILURE", resp.Result["status"])
	}
	if resp.Result["exit_code"] != float64(3) {
		t.Errorf("exit_code = %v, want 3", resp.Result["exit_code"])
	}
	if resp.Result["retryable"] != false {
		t.Errorf("retryable = %v, want false", resp.Result["retryable"])
	}
	if out, _ := resp.Result["output"].(string); !strings.Contains(out, "oops") {
		t.Errorf("output = %q, want stderr captured", out)
	}
}

func TestAgentTimeout(t *testing.T) {
	_, conn := newTestAgent(t, Options{})

	task := shellTask("t1", "sleep 5")
	task.Payload["timeout_seconds"] = 0.1
	conn.deliver(t, "orch.tasks.exec-a", "", task)

	resp := conn.waitForResponse(t, "t1")
	if resp.Result["status"] != "FAILURE" || resp.Result["failure_kind"] != "TIMEOUT" {
		t.Errorf("result = %v, want a TIMEOUT failure", resp.Result)
	}
	if resp.Result["retryable"] != true {
		t.Errorf("retryable = %v, want true", resp.Result["retryable"])
	}
}

func TestAgentMissingCommand(t *testing.T) {
	_, conn := newTestAgent(t, Options{})

	conn.deliver(t, "orch.tasks.exec-a", "", delegate.Task{TaskID: "t1", Payload: map[string]any{}})

	resp := conn.waitForResponse(t, "t1")
	if resp.Error == "" {
		t.Errorf("response = %+v, want an error", resp)
	}
}

func TestAgentCancel(t *testing.T) {
	a, conn := newTestAgent(t, Options{})

	conn.deliver(t, "orch.tasks.exec-a", "", shellTask("t1", "sleep 30"))
	if a.Running() != 1 {
		t.Fatalf("Running = %d, want 1", a.Running())
	}

	conn.deliver(t, "orch.cancel.exec-a", "", delegate.CancelMessage{TaskID: "t1"})

	deadline := time.Now().Add(5 * time.Second)
	for a.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled task still running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := conn.messages("orch.responses"); len(got) != 0 {
		t.Errorf("responses after cancel = %d, want 0", len(got))
	}
}

func TestAgentRejects(t *testing.T) {
	_, conn := newTestAgent(t, Options{MaxConcurrent: 1})

	conn.deliver(t, "orch.tasks.exec-a", "_INBOX.1", shellTask("t1", "sleep 30"))
	conn.deliver(t, "orch.tasks.exec-a", "_INBOX.2", shellTask("t2", "true"))

	var ack delegate.Ack
	if err := json.Unmarshal(conn.messages("_INBOX.2")[0], &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Accepted || ack.Reason != "agent busy" {
		t.Errorf("ack = %+v, want rejected as busy", ack)
	}

	conn.mu.Lock()
	h := conn.handlers["orch.tasks.exec-a"]
	conn.mu.Unlock()
	h(&nats.Msg{Subject: "orch.tasks.exec-a", Reply: "_INBOX.3", Data: []byte("{not json")})
	if err := json.Unmarshal(conn.messages("_INBOX.3")[0], &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Accepted {
		t.Error("malformed task accepted")
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	var b limitedBuffer
	chunk := strings.Repeat("x", maxOutputSize/2+1)
	b.Write([]byte(chunk))
	b.Write([]byte(chunk))
	out := b.String()
	if !strings.HasSuffix(out, "[output truncated]") {
		t.Error("output not marked truncated")
	}
	if len(out) > maxOutputSize+len("\n[output truncated]") {
		t.Errorf("output length = %d, exceeds limit", len(out))
	}
}

func TestAgentHandleInProcess(t *testing.T) {
	a := New(nil, Options{ExecutorID: "local", Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})

	var h delegate.HandlerFunc = a.Handle
	result, err := h(context.Background(), shellTask("t1", "printf ok"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result["status"] != "SUCCESS" || result["output"] != "ok" {
		t.Errorf("result = %v", result)
	}

	if _, err := h(context.Background(), delegate.Task{TaskID: "t2"}); err == nil {
		t.Error("Handle without command returned nil error")
	}
}
