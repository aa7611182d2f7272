package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/collab"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/hub"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/middleware"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/versionstore"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	svc    *collab.Service
	store  versionstore.Store
	hub    *hub.Hub
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance. store is only consulted for
// readiness reporting.
func NewHandlers(svc *collab.Service, store versionstore.Store, h *hub.Hub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:    svc,
		store:  store,
		hub:    h,
		logger: logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ready"
	code := http.StatusOK

	storeStatus := map[string]interface{}{"healthy": true}
	if d, ok := h.store.(versionstore.Describer); ok {
		storeStatus["adapter"] = d.AdapterInfo()
	}
	if p, ok := h.store.(versionstore.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("store ping failed", slog.String("error", err.Error()))
			storeStatus["healthy"] = false
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	components := map[string]interface{}{"store": storeStatus}
	if h.hub != nil {
		components["websocket"] = map[string]interface{}{
			"clients": h.hub.ClientCount(),
			"rooms":   h.hub.RoomCount(),
		}
	}

	h.respondJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// --- Workflow State ---

// GetState handles GET /api/v1/rooms/{room}/workflow/state
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	state, err := h.svc.GetState(r.Context(), room, auth.FromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

// SubmitOperationsRequest is the request body for an operation batch.
// Operations may be a list or a single operation object.
type SubmitOperationsRequest struct {
	BaseVersion int             `json:"base_version"`
	Operations  json.RawMessage `json:"operations"`
}

// SubmitOperations handles POST /api/v1/rooms/{room}/workflow/operations
func (h *Handlers) SubmitOperations(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	var req SubmitOperationsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Operations) == 0 {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "operations are required")
		return
	}
	ops, err := graph.UnmarshalOperations(req.Operations)
	if err != nil {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, err.Error())
		return
	}

	result, err := h.svc.SubmitOperations(r.Context(), room, auth.FromContext(r.Context()), req.BaseVersion, ops)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// --- History ---

// Timeline handles GET /api/v1/rooms/{room}/workflow/versions
func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	timeline, err := h.svc.Timeline(r.Context(), room, auth.FromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, timeline)
}

// Snapshot handles GET /api/v1/rooms/{room}/workflow/versions/{version}
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil || version < 1 {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "version must be a positive integer")
		return
	}

	snap, err := h.svc.Snapshot(r.Context(), vars["room"], auth.FromContext(r.Context()), version)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// RevertRequest is the request body for moving the version pointer.
type RevertRequest struct {
	TargetVersion int `json:"target_version"`
}

// Revert handles POST /api/v1/rooms/{room}/workflow/revert
func (h *Handlers) Revert(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	var req RevertRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TargetVersion < 1 {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "target_version must be a positive integer")
		return
	}

	view, err := h.svc.Revert(r.Context(), room, auth.FromContext(r.Context()), req.TargetVersion)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// Undo handles POST /api/v1/rooms/{room}/workflow/undo
func (h *Handlers) Undo(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Undo(r.Context(), mux.Vars(r)["room"], auth.FromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// Redo handles POST /api/v1/rooms/{room}/workflow/redo
func (h *Handlers) Redo(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Redo(r.Context(), mux.Vars(r)["room"], auth.FromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// SaveWorkflowRequest is the request body for replacing a room's workflow.
type SaveWorkflowRequest struct {
	Data        json.RawMessage `json:"data"`
	Description string          `json:"description,omitempty"`
}

// SaveWorkflow handles PUT /api/v1/rooms/{room}/workflow
func (h *Handlers) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	var req SaveWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "data is required")
		return
	}
	if result := h.svc.Validate(req.Data); !result.Valid {
		h.respondServiceError(w, r, &collab.InvalidWorkflowError{Result: result})
		return
	}
	g, err := graph.ParseDocument(req.Data)
	if err != nil {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, err.Error())
		return
	}

	view, err := h.svc.SaveWorkflow(r.Context(), room, auth.FromContext(r.Context()), g, req.Description)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// Validate handles POST /api/v1/workflow/validate
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "failed to read request body")
		return
	}
	h.respondJSON(w, http.StatusOK, h.svc.Validate(body))
}

// --- Presence ---

// Online handles GET /api/v1/rooms/{room}/online
func (h *Handlers) Online(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	users, err := h.svc.Online(room, auth.FromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"room":  room,
		"users": users,
		"count": len(users),
	})
}

// ServeWs handles GET /ws/rooms/{room}
func (h *Handlers) ServeWs(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	identity := auth.FromContext(r.Context())
	if !identity.CanRead(room) {
		middleware.RespondError(w, r, http.StatusForbidden, middleware.ErrCodeForbidden, "no access to this room")
		return
	}
	hub.ServeWs(h.hub, w, r, room, types.PresenceUser{
		UserID:   identity.ID,
		Username: identity.Name,
	})
}

// --- Helpers ---

// decode reads a JSON body into v and reports malformed input to the client.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondServiceError maps collab and store errors onto HTTP responses.
func (h *Handlers) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *collab.InvalidWorkflowError
	switch {
	case errors.Is(err, collab.ErrAccessDenied):
		middleware.RespondError(w, r, http.StatusForbidden, middleware.ErrCodeForbidden, "no access to this room")
	case errors.Is(err, versionstore.ErrStateNotFound):
		middleware.RespondError(w, r, http.StatusNotFound, middleware.ErrCodeNotFound, "room has no workflow")
	case errors.Is(err, versionstore.ErrSnapshotNotFound):
		middleware.RespondError(w, r, http.StatusNotFound, middleware.ErrCodeNotFound, "version not found")
	case errors.As(err, &invalid):
		middleware.RespondErrorWithDetails(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, err.Error(), map[string]interface{}{
			"errors":   invalid.Result.Errors,
			"warnings": invalid.Result.Warnings,
		})
	case errors.Is(err, collab.ErrNothingToUndo),
		errors.Is(err, collab.ErrNothingToRedo),
		errors.Is(err, collab.ErrEmptyBatch),
		errors.Is(err, collab.ErrEmptyPrompt):
		middleware.RespondError(w, r, http.StatusBadRequest, middleware.ErrCodeBadRequest, err.Error())
	case errors.Is(err, versionstore.ErrVersionMismatch):
		middleware.RespondError(w, r, http.StatusConflict, middleware.ErrCodeConflict, "workflow changed concurrently, retry")
	case errors.Is(err, collab.ErrGeneratorUnavailable):
		middleware.RespondError(w, r, http.StatusServiceUnavailable, middleware.ErrCodeServiceUnavail, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Debug("request abandoned", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		middleware.RespondError(w, r, http.StatusServiceUnavailable, middleware.ErrCodeServiceUnavail, "request cancelled")
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.RespondError(w, r, http.StatusInternalServerError, middleware.ErrCodeInternalError, "internal error")
	}
}
