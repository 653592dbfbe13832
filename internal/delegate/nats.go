package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/messaging"
)

// NATSConn is the part of *nats.Conn the transport uses.
type NATSConn interface {
	Publish(subj string, data []byte) error
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// CancelMessage is published to an executor's cancel subject.
type CancelMessage struct {
	TaskID string `json:"task_id"`
}

// NATSTransport delivers tasks over NATS request/reply so an absent executor
// is detected at send time, and consumes responses from a shared subject.
type NATSTransport struct {
	conn       NATSConn
	subjects   messaging.Subjects
	ackTimeout time.Duration
	logger     *slog.Logger
	sub        *nats.Subscription
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport creates a transport using subjects under prefix.
func NewNATSTransport(conn NATSConn, prefix string, ackTimeout time.Duration, logger *slog.Logger) *NATSTransport {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &NATSTransport{
		conn:       conn,
		subjects:   messaging.Subjects{Prefix: prefix},
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// Send publishes task to the executor's task subject and waits for its ack.
func (t *NATSTransport) Send(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.TaskID, err)
	}
	timeout := t.ackTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	reply, err := t.conn.Request(t.subjects.Task(task.ExecutorID), data, timeout)
	if err != nil {
		return fmt.Errorf("send task %s to %s: %w: %v", task.TaskID, task.ExecutorID, ErrUnreachable, err)
	}
	var ack Ack
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return fmt.Errorf("decode ack for task %s: %w", task.TaskID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("send task %s to %s: %w: %s", task.TaskID, task.ExecutorID, ErrUnreachable, ack.Reason)
	}
	return nil
}

// Cancel publishes a cancellation for taskID to its executor.
func (t *NATSTransport) Cancel(_ context.Context, taskID, executorID string) error {
	data, err := json.Marshal(CancelMessage{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	if err := t.conn.Publish(t.subjects.Cancel(executorID), data); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return nil
}

// Listen subscribes to the response subject and forwards each decoded
// response to h.
func (t *NATSTransport) Listen(h ResponseHandler) error {
	if t.sub != nil {
		return errors.New("nats transport already listening")
	}
	sub, err := t.conn.Subscribe(t.subjects.Responses(), func(msg *nats.Msg) {
		var resp Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.logger.Warn("discarding malformed task response", "error", err)
			return
		}
		if resp.TaskID == "" {
			t.logger.Warn("discarding task response without task id")
			return
		}
		h(context.Background(), resp)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.subjects.Responses(), err)
	}
	t.sub = sub
	return nil
}

// Close stops consuming responses.
func (t *NATSTransport) Close() error {
	if t.sub == nil {
		return nil
	}
	return t.sub.Unsubscribe()
}

// Ack is an executor's reply to a task assignment.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
