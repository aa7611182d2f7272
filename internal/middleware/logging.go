package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
)

// LoggingConfig holds logging middleware configuration.
type LoggingConfig struct {
	// SkipPaths are prefixes left out of logs and HTTP metrics.
	SkipPaths []string
}

// LoggingMiddleware assigns request ids, logs one line per request and
// records HTTP metrics.
type LoggingMiddleware struct {
	logger    *slog.Logger
	skipPaths []string
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(cfg *LoggingConfig, logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &LoggingConfig{}
	}
	return &LoggingMiddleware{
		logger:    logger,
		skipPaths: append([]string(nil), cfg.SkipPaths...),
	}
}

func (l *LoggingMiddleware) skipped(path string) bool {
	for _, p := range l.skipPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware returns the HTTP middleware handler.
func (l *LoggingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if l.skipped(r.URL.Path) {
			return
		}
		elapsed := time.Since(start)

		route := normalizePath(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		attrs := []slog.Attr{
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
			slog.String("remote_addr", r.RemoteAddr),
		}
		if room := roomFromPath(r.URL.Path); room != "" {
			attrs = append(attrs, slog.String("room", room))
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		l.logger.LogAttrs(r.Context(), level, "request", attrs...)
	})
}

// statusRecorder captures the status code while keeping streaming and
// websocket upgrades working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// roomFromPath returns the segment after "rooms", if any.
func roomFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "rooms" {
			return parts[i+1]
		}
	}
	return ""
}

// normalizePath collapses room ids and version numbers so metric labels stay
// bounded.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		switch {
		case part == "":
		case i > 0 && parts[i-1] == "rooms":
			parts[i] = "{room}"
		case i > 0 && parts[i-1] == "versions":
			parts[i] = "{version}"
		default:
			if _, err := strconv.Atoi(part); err == nil {
				parts[i] = "{id}"
			}
		}
	}
	return strings.Join(parts, "/")
}
