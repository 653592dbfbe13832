package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
)

// Client registers an executor with the orchestrator's HTTP API and keeps it
// alive with heartbeats.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the orchestrator at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Register announces e to the orchestrator, retrying with exponential backoff
// until it succeeds, the orchestrator rejects it, or the retry budget or ctx
// runs out.
func (c *Client) Register(ctx context.Context, e delegate.Executor) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode executor: %w", err)
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, http.MethodPost, "/v1/executors", body, http.StatusCreated)
		if err != nil {
			c.logger.Warn("register executor", "executor_id", e.ID, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return fmt.Errorf("register executor %s: %w", e.ID, err)
	}
	c.logger.Info("executor registered", "executor_id", e.ID)
	return nil
}

// Heartbeat reports the executor as alive.
func (c *Client) Heartbeat(ctx context.Context, executorID string) error {
	return c.do(ctx, http.MethodPost, "/v1/executors/"+executorID+"/heartbeat", nil, http.StatusNoContent)
}

// Deregister removes the executor from the orchestrator.
func (c *Client) Deregister(ctx context.Context, executorID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/executors/"+executorID, nil, http.StatusNoContent)
}

// KeepAlive sends a heartbeat every interval until ctx is done. When the
// orchestrator no longer knows the executor, e is registered again.
func (c *Client) KeepAlive(ctx context.Context, e delegate.Executor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Heartbeat(ctx, e.ID)
			if err == nil {
				continue
			}
			var se *statusError
			if errors.As(err, &se) && se.code == http.StatusNotFound {
				c.logger.Warn("executor unknown to orchestrator, registering again", "executor_id", e.ID)
				if err := c.Register(ctx, e); err != nil && ctx.Err() == nil {
					c.logger.Error("re-register executor", "executor_id", e.ID, "error", err)
				}
				continue
			}
			c.logger.Warn("heartbeat", "executor_id", e.ID, "error", err)
		}
	}
}

// statusError is an unexpected HTTP status from the orchestrator.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == want {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(se)
	}
	return se
}
