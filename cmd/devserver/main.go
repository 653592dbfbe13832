// devserver starts an orchestrator with an in-memory database and simulated
// in-process executors, for local development and API experiments.
// Usage: go run ./cmd/devserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/api"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/barrier"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/config"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/engine"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/step"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/store"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/timeout"
)

// simExecutor is a configurable simulated executor.
type simExecutor struct {
	id         string
	capacities map[string]int
	delay      time.Duration
}

// handle sleeps for the executor's delay and answers from the payload:
// "fail" makes the task fail, "output" is echoed back.
func (s simExecutor) handle(ctx context.Context, task delegate.Task) (map[string]any, error) {
	delay := s.delay
	if v, ok := task.Payload["delay_ms"].(float64); ok {
		delay = time.Duration(v) * time.Millisecond
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if fail, _ := task.Payload["fail"].(bool); fail {
		retryable, _ := task.Payload["retryable"].(bool)
		return map[string]any{
			"status":    "FAILURE",
			"output":    fmt.Sprintf("[%s] simulated failure", s.id),
			"exit_code": 1,
			"retryable": retryable,
		}, nil
	}
	output, ok := task.Payload["output"].(string)
	if !ok {
		output = fmt.Sprintf("[%s] ran %s task %s", s.id, task.Category, task.TaskID)
	}
	return map[string]any{"status": "SUCCESS", "output": output, "exit_code": 0}, nil
}

var simExecutors = []simExecutor{
	{id: "sim-shell", capacities: map[string]int{"shell": 4}, delay: 200 * time.Millisecond},
	{id: "sim-docker", capacities: map[string]int{"docker": 2, "shell": 1}, delay: 500 * time.Millisecond},
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("devserver: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tracker := capacity.NewTracker()
	executors := delegate.NewRegistry(tracker, 0)
	local := delegate.NewLocalTransport(logger)
	defer local.Close()
	for _, sim := range simExecutors {
		if err := executors.Register(delegate.Executor{ID: sim.id, Capacities: sim.capacities, Static: true}); err != nil {
			return err
		}
		local.Handle(sim.id, sim.handle)
	}

	timeouts := timeout.NewRegistry(cfg.SweepInterval, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Capacity:  tracker,
		Timeouts:  timeouts,
		Executors: executors,
		Transport: local,
		Journal:   db,
		Logger:    logger,
	})
	if err := local.Listen(dispatcher.OnResponse); err != nil {
		return err
	}

	plans := plan.NewMemorySource()
	var source plan.Source = plans
	if cfg.PlansDir != "" {
		source = plan.Chain{plans, plan.FileSource{Dir: cfg.PlansDir}}
	}
	eng := engine.New(engine.Options{
		Store:              db,
		Plans:              source,
		Steps:              step.NewDefaultRegistry(),
		Dispatcher:         dispatcher,
		Timeouts:           timeouts,
		Barriers:           barrier.NewCoordinator(),
		Logger:             logger,
		Owner:              cfg.OwnerID,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
	})
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, api.Options{
		Engine:     eng,
		Plans:      plans,
		Executors:  executors,
		Capacity:   tracker,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	logger.Info("devserver: starting", "addr", cfg.ListenAddr, "executors", len(simExecutors))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}
