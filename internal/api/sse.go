package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/collab"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/middleware"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

// heartbeatInterval is how often an idle generation stream gets a comment.
const heartbeatInterval = 15 * time.Second

// GenerateRequest is the request body for an AI generation.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// Generate handles POST /api/v1/rooms/{room}/workflow/generate
// It streams the generation as Server-Sent Events. Headers are only sent
// once the room gate is held, so rejected requests get a JSON error.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	startTime := time.Now()
	requestID := middleware.RequestID(ctx)

	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.RespondError(w, r, http.StatusInternalServerError, middleware.ErrCodeInternalError, "streaming not supported")
		return
	}

	stream := newSSEWriter(w, flusher)
	defer stream.stop()
	go stream.heartbeat(h.logger)

	result, err := h.svc.Generate(ctx, room, auth.FromContext(ctx), req.Prompt, stream.send)
	duration := time.Since(startTime)
	if err != nil {
		if !stream.opened() {
			h.respondServiceError(w, r, err)
			return
		}
		level := slog.LevelInfo
		if errors.Is(err, collab.ErrGenerationFailed) {
			level = slog.LevelWarn
		}
		h.logger.Log(ctx, level, "generation stream ended with error",
			slog.String("room", room),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("generation stream closed",
		slog.String("room", room),
		slog.String("request_id", requestID),
		slog.String("outcome", result.Outcome),
		slog.Int("version", result.Version),
		slog.Duration("duration", duration),
	)
}

// sseWriter serializes events and heartbeats onto one response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	stopped bool
	done    chan struct{}
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher, done: make(chan struct{})}
}

// stop ends the heartbeat. Nothing is written after stop returns.
func (s *sseWriter) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
}

func (s *sseWriter) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// send writes an event in SSE format and flushes, sending the stream
// headers first if needed.
func (s *sseWriter) send(evt *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(evt.ToSSE()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// heartbeat writes a comment every heartbeatInterval once the stream is
// open, until stop is called.
func (s *sseWriter) heartbeat(logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.started && !s.stopped {
				if _, err := s.w.Write([]byte(": heartbeat\n\n")); err != nil {
					logger.Debug("failed to write SSE heartbeat", "error", err)
				} else {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}
