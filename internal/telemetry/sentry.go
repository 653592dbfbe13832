package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter sends fatal plan errors to Sentry.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter creates a Reporter for dsn. It returns nil without error when
// dsn is empty so callers can leave reporting unconfigured.
func NewReporter(dsn, environment, release string) (*Reporter, error) {
	if dsn == "" {
		return nil, nil
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report captures err with tags attached to the event.
func (r *Reporter) Report(err error, tags map[string]string) {
	hub := r.hub.Clone()
	hub.Scope().SetTags(tags)
	hub.CaptureException(err)
}

// Flush waits up to timeout for queued events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
