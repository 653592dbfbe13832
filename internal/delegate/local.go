package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc executes a task inside the orchestrator process. A non-nil
// error is reported to the dispatcher as the response error.
type HandlerFunc func(ctx context.Context, task Task) (map[string]any, error)

// LocalTransport runs tasks on in-process simulated executors. A task whose
// context is cancelled through Cancel or Close produces no response.
type LocalTransport struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	running  map[string]context.CancelFunc
	respond  ResponseHandler
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport creates a transport with no executors attached.
func NewLocalTransport(logger *slog.Logger) *LocalTransport {
	return &LocalTransport{
		handlers: make(map[string]HandlerFunc),
		running:  make(map[string]context.CancelFunc),
		logger:   logger,
	}
}

// Handle attaches a simulated executor.
func (l *LocalTransport) Handle(executorID string, h HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[executorID] = h
}

// Listen sets the handler that receives task responses.
func (l *LocalTransport) Listen(h ResponseHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.respond = h
	return nil
}

// Send starts the task on its executor's handler in a new goroutine.
func (l *LocalTransport) Send(_ context.Context, task Task) error {
	l.mu.Lock()
	h, ok := l.handlers[task.ExecutorID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("send task %s to %s: %w", task.TaskID, task.ExecutorID, ErrUnreachable)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.running[task.TaskID] = cancel
	respond := l.respond
	l.mu.Unlock()

	l.wg.Go(func() {
		defer func() {
			l.mu.Lock()
			delete(l.running, task.TaskID)
			l.mu.Unlock()
			cancel()
		}()

		result, err := h(ctx, task)
		if ctx.Err() != nil {
			l.logger.Debug("local task cancelled", "task_id", task.TaskID)
			return
		}
		resp := Response{TaskID: task.TaskID, Result: result}
		if err != nil {
			resp.Error = err.Error()
		}
		if respond != nil {
			respond(context.Background(), resp)
		}
	})
	return nil
}

// Cancel stops a running task. Unknown tasks are ignored.
func (l *LocalTransport) Cancel(_ context.Context, taskID, _ string) error {
	l.mu.Lock()
	cancel, ok := l.running[taskID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Running returns the number of tasks currently executing.
func (l *LocalTransport) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// Close cancels every running task and waits for the handlers to return.
func (l *LocalTransport) Close() {
	l.mu.Lock()
	for _, cancel := range l.running {
		cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}
