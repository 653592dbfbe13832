// Command delegate runs a delegate agent: it registers with the orchestrator,
// receives shell tasks over NATS and reports their results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/agent"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/config"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/messaging"
)

const heartbeatInterval = 30 * time.Second

type options struct {
	id        string
	apiURL    string
	capacity  int
	selectors []string
	shell     string
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "delegate:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	host, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:           "delegate",
		Short:         "Run a delegate agent that executes shell tasks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.id, "id", envOr("DELEGATE_ID", host), "executor id")
	f.StringVar(&opts.apiURL, "api", envOr("DELEGATE_API_URL", "http://localhost:8080"), "orchestrator HTTP API base URL")
	f.IntVar(&opts.capacity, "capacity", 4, "number of shell tasks run at once")
	f.StringSliceVar(&opts.selectors, "selector", nil, "selector tags this executor matches (repeatable)")
	f.StringVar(&opts.shell, "shell", "sh", "shell used to run commands")
	f.DurationVar(&opts.timeout, "default-timeout", 10*time.Minute, "limit for tasks without a deadline")
	return cmd
}

func run(ctx context.Context, opts options) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	if cfg.NATSURL == "" {
		return errors.New("ORCH_NATS_URL is required")
	}
	if strings.TrimSpace(opts.id) == "" {
		return errors.New("executor id is required")
	}

	conn, err := messaging.Connect(ctx, messaging.DefaultConnectionConfig(cfg.NATSURL), logger)
	if err != nil {
		return err
	}
	defer messaging.Close(conn)

	a := agent.New(conn, agent.Options{
		ExecutorID:     opts.id,
		Prefix:         cfg.NATSPrefix,
		Shell:          opts.shell,
		DefaultTimeout: opts.timeout,
		MaxConcurrent:  opts.capacity,
		Logger:         logger,
	})
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Close()

	executor := delegate.Executor{
		ID:         opts.id,
		Capacities: map[string]int{"shell": opts.capacity},
		Selectors:  opts.selectors,
	}
	client := agent.NewClient(opts.apiURL, logger)
	if err := client.Register(ctx, executor); err != nil {
		return err
	}
	client.KeepAlive(ctx, executor, heartbeatInterval)

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Deregister(deregisterCtx, opts.id); err != nil {
		logger.Warn("deregister executor", "executor_id", opts.id, "error", err)
	}
	logger.Info("delegate stopped", "executor_id", opts.id)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
