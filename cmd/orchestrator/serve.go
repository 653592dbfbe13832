package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/agent"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/api"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/barrier"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/config"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/engine"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/messaging"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/step"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/store"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/telemetry"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/timeout"
)

const (
	// executorStaleAfter drops dynamically registered executors that stopped
	// sending heartbeats from dispatch candidates.
	executorStaleAfter = 90 * time.Second

	localExecutorID    = "local"
	localShellCapacity = 4
)

// newServeCmd creates the "orchestrator serve" subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP API",
		Long:  "Starts the plan driver and the HTTP API, recovers unfinished plans from\nthe database, and runs until interrupted. Configuration is read from\nORCH_* environment variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// responseTransport is a delegate transport that also consumes task responses.
type responseTransport interface {
	delegate.Transport
	Listen(h delegate.ResponseHandler) error
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("orchestrator: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"owner_id", cfg.OwnerID,
	)

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "orchestrator",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(shutdownTracing, logger)

	reporter, err := telemetry.NewReporter(cfg.SentryDSN, cfg.Environment, version)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Flush(2 * time.Second)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tracker := capacity.NewTracker()
	executors := delegate.NewRegistry(tracker, executorStaleAfter)
	if cfg.ExecutorsFile != "" {
		static, err := config.LoadExecutors(cfg.ExecutorsFile)
		if err != nil {
			return err
		}
		for _, e := range static {
			if err := executors.Register(e); err != nil {
				return err
			}
		}
		logger.Info("static executors loaded", "count", len(static))
	}

	var (
		transport responseTransport
		bus       engine.EventPublisher
	)
	if cfg.NATSURL != "" {
		conn, err := messaging.Connect(ctx, messaging.DefaultConnectionConfig(cfg.NATSURL), logger)
		if err != nil {
			return err
		}
		defer messaging.Close(conn)
		nt := delegate.NewNATSTransport(conn, cfg.NATSPrefix, 0, logger)
		defer nt.Close()
		transport = nt
		bus = messaging.NewEventBus(conn, cfg.NATSPrefix)
		logger.Info("nats connected", "url", conn.ConnectedUrl(), "prefix", cfg.NATSPrefix)
	} else {
		// Without NATS, shell tasks run inside this process.
		local := delegate.NewLocalTransport(logger)
		defer local.Close()
		runner := agent.New(nil, agent.Options{ExecutorID: localExecutorID, Logger: logger})
		local.Handle(localExecutorID, runner.Handle)
		if err := executors.Register(delegate.Executor{
			ID:         localExecutorID,
			Capacities: map[string]int{"shell": localShellCapacity},
			Static:     true,
		}); err != nil {
			return err
		}
		transport = local
	}

	timeouts := timeout.NewRegistry(cfg.SweepInterval, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Capacity:  tracker,
		Timeouts:  timeouts,
		Executors: executors,
		Transport: transport,
		Journal:   db,
		Logger:    logger,
	})
	if err := transport.Listen(dispatcher.OnResponse); err != nil {
		return fmt.Errorf("listen for task responses: %w", err)
	}

	plans := plan.NewMemorySource()
	var source plan.Source = plans
	if cfg.PlansDir != "" {
		source = plan.Chain{plans, plan.FileSource{Dir: cfg.PlansDir}}
	}

	opts := engine.Options{
		Store:               db,
		Plans:               source,
		Steps:               step.NewDefaultRegistry(),
		Dispatcher:          dispatcher,
		Timeouts:            timeouts,
		Barriers:            barrier.NewCoordinator(),
		Bus:                 bus,
		Logger:              logger,
		Owner:               cfg.OwnerID,
		LeaseTTL:            cfg.LeaseTTL,
		MailboxSize:         cfg.MailboxSize,
		StepWorkers:         cfg.StepWorkers,
		MaxDispatchAttempts: cfg.MaxDispatchAttempts,
		DefaultTaskTimeout:  cfg.DefaultTaskTimeout,
	}
	if reporter != nil {
		opts.Reporter = reporter
	}
	eng := engine.New(opts)
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, api.Options{
		Engine:     eng,
		Plans:      plans,
		Executors:  executors,
		Capacity:   tracker,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	recovered, err := eng.Recover(gctx)
	if err != nil {
		logger.Error("recover plans", "error", err)
	} else {
		logger.Info("recovery finished", "plans", recovered)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("orchestrator: stopped")
	return nil
}
