package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSetupTracingDisabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := SetupTracing(context.Background(), TracingConfig{ServiceName: "orchestrator"}, discardLogger())
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Error("tracer provider replaced without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupTracingWithEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupTracing(context.Background(), TracingConfig{
		ServiceName:  "orchestrator",
		Environment:  "test",
		OTLPEndpoint: "127.0.0.1:4318",
		SampleRatio:  1,
	}, discardLogger())
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if otel.GetTracerProvider() == prev {
		t.Error("tracer provider not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewReporterWithoutDSN(t *testing.T) {
	r, err := NewReporter("", "test", "dev")
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	if r != nil {
		t.Error("NewReporter without dsn returned a reporter")
	}
}

func TestReporterAttachesTags(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	r, err := newReporter(sentry.ClientOptions{
		BeforeSend: func(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("newReporter: %v", err)
	}

	r.Report(errors.New("malformed plan: cycle"), map[string]string{"plan_execution_id": "p1"})
	r.Report(errors.New("second"), map[string]string{"plan_execution_id": "p2"})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if got := events[0].Tags["plan_execution_id"]; got != "p1" {
		t.Errorf("first event tag = %q, want p1", got)
	}
	if got := events[1].Tags["plan_execution_id"]; got != "p2" {
		t.Errorf("second event tag = %q, want p2 (tags leaked between reports)", got)
	}
	if len(events[0].Exception) == 0 || events[0].Exception[0].Value != "malformed plan: cycle" {
		t.Errorf("exception = %+v", events[0].Exception)
	}
}
