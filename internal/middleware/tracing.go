package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
type TracingMiddleware struct {
	enabled   bool
	skipPaths map[string]bool
}

// TracingConfig holds tracing middleware configuration.
type TracingConfig struct {
	// Enabled controls whether tracing middleware is active
	Enabled bool

	// SkipPaths are exact paths that never get a span (probes, scrapes)
	SkipPaths []string
}

// NewTracingMiddleware creates a new tracing middleware.
func NewTracingMiddleware(cfg *TracingConfig) *TracingMiddleware {
	if cfg == nil {
		cfg = &TracingConfig{}
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return &TracingMiddleware{
		enabled:   cfg.Enabled,
		skipPaths: skip,
	}
}

// Middleware returns the HTTP middleware handler. Spans are named after
// the normalized route so room ids do not explode span cardinality.
func (t *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	if !t.enabled {
		return next
	}

	return otelhttp.NewHandler(next, "collab",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		otelhttp.WithSpanNameFormatter(spanName),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !t.skipPaths[r.URL.Path]
		}),
	)
}

func spanName(_ string, r *http.Request) string {
	return r.Method + " " + normalizePath(r.URL.Path)
}
