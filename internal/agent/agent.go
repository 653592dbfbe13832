// Package agent implements the delegate process that runs shell tasks on
// behalf of the orchestrator. Tasks arrive over NATS request/reply, results
// go back on the shared response subject.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/messaging"
)

const (
	defaultTimeout = 10 * time.Minute
	maxOutputSize  = 1 << 20 // 1 MB
)

// Conn is the part of *nats.Conn the agent uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Options configures an Agent.
type Options struct {
	ExecutorID string
	Prefix     string
	// Shell runs each command as Shell -c <command>. Defaults to sh.
	Shell string
	// DefaultTimeout bounds commands whose payload and task carry no limit.
	DefaultTimeout time.Duration
	// MaxConcurrent rejects new tasks while this many run. Zero means no limit.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Agent receives task assignments and runs their commands.
type Agent struct {
	conn     Conn
	opts     Options
	subjects messaging.Subjects
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	subs    []*nats.Subscription
	closed  bool
	wg      sync.WaitGroup
}

// New creates an agent that has not subscribed yet.
func New(conn Conn, opts Options) *Agent {
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		conn:     conn,
		opts:     opts,
		subjects: messaging.Subjects{Prefix: opts.Prefix},
		logger:   opts.Logger.With("executor_id", opts.ExecutorID),
		running:  make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the executor's task and cancel subjects.
func (a *Agent) Start() error {
	taskSub, err := a.conn.Subscribe(a.subjects.Task(a.opts.ExecutorID), a.handleTask)
	if err != nil {
		return fmt.Errorf("subscribe tasks: %w", err)
	}
	cancelSub, err := a.conn.Subscribe(a.subjects.Cancel(a.opts.ExecutorID), a.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe cancellations: %w", err)
	}
	a.mu.Lock()
	a.subs = append(a.subs, taskSub, cancelSub)
	a.mu.Unlock()
	a.logger.Info("agent listening", "subject", a.subjects.Task(a.opts.ExecutorID))
	return nil
}

// Running returns the number of tasks in progress.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// Close stops accepting tasks, kills running commands and waits for them.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	subs := a.subs
	a.subs = nil
	for _, cancel := range a.running {
		cancel()
	}
	a.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	a.wg.Wait()
}

// Handle runs task in the calling goroutine. It matches delegate.HandlerFunc
// so an agent can serve as an in-process executor without NATS.
func (a *Agent) Handle(ctx context.Context, task delegate.Task) (map[string]any, error) {
	resp := a.run(ctx, task)
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

func (a *Agent) handleTask(msg *nats.Msg) {
	var task delegate.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil || task.TaskID == "" {
		a.logger.Warn("rejecting malformed task", "error", err)
		a.ack(msg, delegate.Ack{Reason: "malformed task"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		cancel()
		a.ack(msg, delegate.Ack{Reason: "agent shutting down"})
		return
	case a.opts.MaxConcurrent > 0 && len(a.running) >= a.opts.MaxConcurrent:
		a.mu.Unlock()
		cancel()
		a.ack(msg, delegate.Ack{Reason: "agent busy"})
		return
	}
	a.running[task.TaskID] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	a.ack(msg, delegate.Ack{Accepted: true})

	go func() {
		defer a.wg.Done()
		resp := a.run(ctx, task)
		cancelled := ctx.Err() != nil

		a.mu.Lock()
		delete(a.running, task.TaskID)
		a.mu.Unlock()
		cancel()

		if cancelled {
			a.logger.Info("task cancelled", "task_id", task.TaskID)
			return
		}
		a.respond(resp)
	}()
}

func (a *Agent) handleCancel(msg *nats.Msg) {
	var c delegate.CancelMessage
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		a.logger.Warn("discarding malformed cancellation", "error", err)
		return
	}
	a.mu.Lock()
	cancel, ok := a.running[c.TaskID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// run executes the task's command and builds its response.
func (a *Agent) run(ctx context.Context, task delegate.Task) delegate.Response {
	command, _ := task.Payload["command"].(string)
	if strings.TrimSpace(command) == "" {
		return delegate.Response{TaskID: task.TaskID, Error: "payload has no command"}
	}

	timeout := a.timeout(task)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, a.opts.Shell, "-c", command)
	cmd.Env = os.Environ()
	if env, ok := task.Payload["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if dir, ok := task.Payload["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	var output limitedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := map[string]any{
		"status":      "SUCCESS",
		"output":      output.String(),
		"exit_code":   0,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		a.logger.Info("task succeeded", "task_id", task.TaskID, "duration_ms", result["duration_ms"])
		return delegate.Response{TaskID: task.TaskID, Result: result}
	}

	result["status"] = "FAILURE"
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result["exit_code"] = -1
		result["retryable"] = true
		result["failure_kind"] = "TIMEOUT"
		result["error"] = fmt.Sprintf("timeout after %s", timeout)
	case errors.As(err, &exitErr):
		result["exit_code"] = exitErr.ExitCode()
		result["retryable"] = false
		result["error"] = err.Error()
	default:
		result["exit_code"] = -1
		result["retryable"] = true
		result["error"] = err.Error()
	}
	a.logger.Warn("task failed", "task_id", task.TaskID, "exit_code", result["exit_code"], "error", result["error"])
	return delegate.Response{TaskID: task.TaskID, Result: result}
}

// timeout picks the command limit from the payload, then the task deadline,
// then the agent default.
func (a *Agent) timeout(task delegate.Task) time.Duration {
	switch v := task.Payload["timeout_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	if !task.Deadline.IsZero() {
		if d := time.Until(task.Deadline); d > 0 {
			return d
		}
	}
	return a.opts.DefaultTimeout
}

func (a *Agent) ack(msg *nats.Msg, ack delegate.Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		a.logger.Error("encode ack", "error", err)
		return
	}
	if err := a.conn.Publish(msg.Reply, data); err != nil {
		a.logger.Error("publish ack", "error", err)
	}
}

func (a *Agent) respond(resp delegate.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("encode response", "task_id", resp.TaskID, "error", err)
		return
	}
	if err := a.conn.Publish(a.subjects.Responses(), data); err != nil {
		a.logger.Error("publish response", "task_id", resp.TaskID, "error", err)
	}
}

// limitedBuffer keeps the first maxOutputSize bytes written to it and
// silently drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxOutputSize - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
