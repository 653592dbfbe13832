package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched      = "unmatched"
	resourceSystem = "system"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "HTTP requests by API resource, route and status.",
		},
		[]string{"resource", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Event streams are not observed.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "method", "path"},
	)

	eventStreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_http_event_streams",
		Help: "Plan execution event streams currently open.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreamsOpen)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		resource := resourceOf(path)
		httpRequestsTotal.WithLabelValues(resource, r.Method, path, strconv.Itoa(status)).Inc()
		if !strings.HasSuffix(path, "/events") {
			httpRequestDuration.WithLabelValues(resource, r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// resourceOf names the API resource a route pattern belongs to, such as
// "plan-executions" for /v1/plan-executions/{id}/abort. Routes outside /v1
// are "system".
func resourceOf(pattern string) string {
	rest, ok := strings.CutPrefix(pattern, "/v1/")
	if !ok {
		if pattern == unmatched {
			return unmatched
		}
		return resourceSystem
	}
	resource, _, _ := strings.Cut(rest, "/")
	if resource == "" {
		return unmatched
	}
	return resource
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
