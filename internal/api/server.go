package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/capacity"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/delegate"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/dispatch"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/engine"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Options holds the dependencies of a Server.
type Options struct {
	Engine     *engine.Engine
	Plans      *plan.MemorySource
	Executors  *delegate.Registry
	Capacity   *capacity.Tracker
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	engine     *engine.Engine
	plans      *plan.MemorySource
	executors  *delegate.Registry
	capacity   *capacity.Tracker
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, opts Options) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		engine:     opts.Engine,
		plans:      opts.Plans,
		executors:  opts.Executors,
		capacity:   opts.Capacity,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/plan-executions", func(r chi.Router) {
		r.Post("/", s.handleStartPlan)
		r.Get("/", s.handleListPlans)
		r.Get("/{id}", s.handleGetPlan)
		r.Get("/{id}/nodes", s.handleListNodes)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Post("/{id}/abort", s.handleAbortPlan)
		r.Post("/{id}/interventions", s.handleIntervene)
	})

	s.router.Get("/v1/node-executions/{id}", s.handleGetNode)
	s.router.Post("/v1/node-executions/{id}/resume", s.handleResumeNode)
	s.router.Get("/v1/outcomes/{ref}", s.handleGetOutcome)
	s.router.Post("/v1/tasks/{id}/response", s.handleTaskResponse)

	s.router.Route("/v1/executors", func(r chi.Router) {
		r.Get("/", s.handleListExecutors)
		r.Post("/", s.handleRegisterExecutor)
		r.Delete("/{id}", s.handleDeregisterExecutor)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
	})
	s.router.Get("/v1/capacity", s.handleCapacity)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
