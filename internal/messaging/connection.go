// Package messaging wraps the NATS connection used for the delegate transport
// and the event bus.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectionConfig holds configuration for a NATS connection.
type ConnectionConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

// DefaultConnectionConfig returns a configuration with sensible defaults.
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "orchestrator",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect dials NATS. It returns early if ctx is cancelled while connecting.
func Connect(ctx context.Context, cfg ConnectionConfig, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("connect nats: url is required")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect nats: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("connect nats: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains conn so in-flight messages are delivered, falling back to a
// hard close if draining fails.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// Subjects derives the subject names used by orchestrator and delegates.
type Subjects struct {
	Prefix string
}

// Task is the subject an executor receives task assignments on.
func (s Subjects) Task(executorID string) string { return s.Prefix + ".tasks." + executorID }

// Cancel is the subject an executor receives cancellations on.
func (s Subjects) Cancel(executorID string) string { return s.Prefix + ".cancel." + executorID }

// Responses is the subject executors publish task responses to.
func (s Subjects) Responses() string { return s.Prefix + ".responses" }

// Events is the subject lifecycle events of one plan execution go to.
func (s Subjects) Events(planExecutionID string) string {
	return s.Prefix + ".events." + planExecutionID
}
