// Package collab implements the room-level workflow operations shared by
// the HTTP and websocket surfaces: operation batches, history moves and
// streamed AI generation.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/generator"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/roomlock"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/versionstore"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

var (
	ErrAccessDenied         = errors.New("access denied")
	ErrNothingToUndo        = errors.New("nothing to undo")
	ErrNothingToRedo        = errors.New("nothing to redo")
	ErrEmptyBatch           = errors.New("operation batch is empty")
	ErrEmptyPrompt          = errors.New("prompt is required")
	ErrGeneratorUnavailable = errors.New("workflow generator is not configured")
	ErrGenerationFailed     = errors.New("workflow generation failed")
	errMissingStore         = errors.New("store is required")
	errMissingValidator     = errors.New("validator is required")
)

// InvalidWorkflowError is returned when a workflow document fails schema
// validation.
type InvalidWorkflowError struct {
	Result *validator.ValidationResult
}

func (e *InvalidWorkflowError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return "invalid workflow"
	}
	first := e.Result.Errors[0]
	return fmt.Sprintf("invalid workflow: %s: %s", first.Path, first.Message)
}

// Broadcaster fans messages out to the members of a room.
type Broadcaster interface {
	Broadcast(room string, msg any, exclude string) error
	Online(room string) []types.PresenceUser
}

// Config wires a Service.
type Config struct {
	Store       versionstore.Store
	Coordinator *roomlock.Coordinator
	Broadcaster Broadcaster
	Source      generator.Source // optional; Generate fails without it
	Validator   *validator.Validator
	Logger      *slog.Logger

	// MaxCommitRetries bounds how often a batch is re-resolved after a
	// concurrent writer advanced the version between read and commit.
	MaxCommitRetries int
}

// Service coordinates edits to the workflows of all rooms.
type Service struct {
	store       versionstore.Store
	coordinator *roomlock.Coordinator
	hub         Broadcaster
	source      generator.Source
	validator   *validator.Validator
	logger      *slog.Logger
	maxRetries  int
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = nopBroadcaster{}
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = roomlock.NewCoordinator(cfg.Broadcaster, cfg.Logger)
	}
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = 3
	}
	return &Service{
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		hub:         cfg.Broadcaster,
		source:      cfg.Source,
		validator:   cfg.Validator,
		logger:      cfg.Logger,
		maxRetries:  cfg.MaxCommitRetries,
	}, nil
}

// StateView is the live workflow of a room as clients see it. Version is
// the pointer; MaxVersion is the highest version ever assigned.
type StateView struct {
	Room       string      `json:"room"`
	Version    int         `json:"version"`
	MaxVersion int         `json:"max_version"`
	Data       graph.Graph `json:"data"`
	UpdatedAt  time.Time   `json:"updated_at"`
	UpdatedBy  string      `json:"updated_by,omitempty"`
}

// TimelineEntry is one snapshot in a timeline.
type TimelineEntry struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsCurrent   bool      `json:"is_current"`
}

// TimelineView lists the history of a room, oldest first.
type TimelineView struct {
	Room           string          `json:"room"`
	CurrentVersion int             `json:"current_version"`
	Versions       []TimelineEntry `json:"versions"`
}

// VersionView is the result of a pointer move or a saved workflow.
type VersionView struct {
	Version    int         `json:"version"`
	MaxVersion int         `json:"max_version"`
	Data       graph.Graph `json:"data"`
	Message    string      `json:"message,omitempty"`
}

// GetState returns the live workflow of a room.
func (s *Service) GetState(ctx context.Context, room string, actor *auth.Identity) (*StateView, error) {
	if !actor.CanRead(room) {
		return nil, ErrAccessDenied
	}
	state, err := s.store.Get(ctx, room)
	if err != nil {
		return nil, err
	}
	return &StateView{
		Room:       room,
		Version:    state.CurrentVersion,
		MaxVersion: state.Version,
		Data:       state.Data,
		UpdatedAt:  state.UpdatedAt,
		UpdatedBy:  state.UpdatedBy,
	}, nil
}

// Timeline lists every snapshot of a room. A room without a workflow has
// an empty timeline.
func (s *Service) Timeline(ctx context.Context, room string, actor *auth.Identity) (*TimelineView, error) {
	if !actor.CanRead(room) {
		return nil, ErrAccessDenied
	}
	view := &TimelineView{Room: room, Versions: []TimelineEntry{}}

	state, err := s.store.Get(ctx, room)
	if errors.Is(err, versionstore.ErrStateNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	snaps, err := s.store.Timeline(ctx, room)
	if err != nil {
		return nil, err
	}

	view.CurrentVersion = state.CurrentVersion
	for _, snap := range snaps {
		view.Versions = append(view.Versions, TimelineEntry{
			Version:     snap.Version,
			Description: snap.Description,
			CreatedBy:   snap.CreatedBy,
			CreatedAt:   snap.CreatedAt,
			IsCurrent:   snap.Version == state.CurrentVersion,
		})
	}
	return view, nil
}

// Snapshot previews one version without moving the pointer.
func (s *Service) Snapshot(ctx context.Context, room string, actor *auth.Identity, version int) (*versionstore.Snapshot, error) {
	if !actor.CanRead(room) {
		return nil, ErrAccessDenied
	}
	return s.store.Snapshot(ctx, room, version)
}

// Revert moves the pointer to an existing snapshot. It creates no version,
// so reverting twice to the same target is a no-op the second time.
func (s *Service) Revert(ctx context.Context, room string, actor *auth.Identity, target int) (*VersionView, error) {
	if !actor.CanEdit(room) {
		return nil, ErrAccessDenied
	}
	state, err := s.store.Revert(ctx, room, target, actor.ID)
	observeStore("revert", err)
	if err != nil {
		return nil, err
	}
	metrics.VersionMovesTotal.WithLabelValues("revert").Inc()

	s.logger.Info("workflow reverted",
		slog.String("room", room),
		slog.String("user_id", actor.ID),
		slog.Int("target_version", target),
	)
	s.broadcast(room, types.VersionRevertMessage{
		Type:               types.MessageTypeVersionRevert,
		ChatID:             room,
		CurrentVersion:     state.CurrentVersion,
		MaxVersion:         state.Version,
		TargetVersion:      target,
		Data:               state.Data,
		RevertedBy:         actor.ID,
		RevertedByUsername: actor.Name,
	}, actor.ID)

	return &VersionView{
		Version:    state.CurrentVersion,
		MaxVersion: state.Version,
		Data:       state.Data,
		Message:    fmt.Sprintf("Moved to version %d", target),
	}, nil
}

// Undo moves the pointer to the snapshot before it.
func (s *Service) Undo(ctx context.Context, room string, actor *auth.Identity) (*VersionView, error) {
	return s.step(ctx, room, actor, types.MessageTypeUndo)
}

// Redo moves the pointer to the snapshot after it.
func (s *Service) Redo(ctx context.Context, room string, actor *auth.Identity) (*VersionView, error) {
	return s.step(ctx, room, actor, types.MessageTypeRedo)
}

func (s *Service) step(ctx context.Context, room string, actor *auth.Identity, kind types.MessageType) (*VersionView, error) {
	if !actor.CanEdit(room) {
		return nil, ErrAccessDenied
	}

	lease, err := s.coordinator.Acquire(ctx, room, holder(actor))
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	state, err := s.store.Get(ctx, room)
	if err != nil {
		return nil, err
	}
	snaps, err := s.store.Timeline(ctx, room)
	if err != nil {
		return nil, err
	}

	target := 0
	for _, snap := range snaps {
		if kind == types.MessageTypeUndo && snap.Version < state.CurrentVersion {
			target = snap.Version
		}
		if kind == types.MessageTypeRedo && snap.Version > state.CurrentVersion {
			target = snap.Version
			break
		}
	}
	if target == 0 {
		if kind == types.MessageTypeUndo {
			return nil, ErrNothingToUndo
		}
		return nil, ErrNothingToRedo
	}

	moved, err := s.store.Revert(ctx, room, target, actor.ID)
	observeStore("revert", err)
	if err != nil {
		return nil, err
	}
	metrics.VersionMovesTotal.WithLabelValues(string(kind)).Inc()

	s.logger.Info("workflow history moved",
		slog.String("room", room),
		slog.String("kind", string(kind)),
		slog.String("user_id", actor.ID),
		slog.Int("from", state.CurrentVersion),
		slog.Int("to", moved.CurrentVersion),
	)
	s.broadcast(room, types.HistoryMessage{
		Type:             kind,
		ChatID:           room,
		CurrentVersion:   moved.CurrentVersion,
		MaxVersion:       moved.Version,
		UndoneBy:         actor.ID,
		UndoneByUsername: actor.Name,
		WorkflowData:     moved.Data,
	}, actor.ID)

	return &VersionView{
		Version:    moved.CurrentVersion,
		MaxVersion: moved.Version,
		Data:       moved.Data,
		Message:    fmt.Sprintf("Moved to version %d", moved.CurrentVersion),
	}, nil
}

// SaveWorkflow installs a complete workflow document as a new version,
// creating the room state if needed.
func (s *Service) SaveWorkflow(ctx context.Context, room string, actor *auth.Identity, g graph.Graph, description string) (*VersionView, error) {
	if !actor.CanEdit(room) {
		return nil, ErrAccessDenied
	}
	if result := s.validator.ValidateGraph(g); !result.Valid {
		return nil, &InvalidWorkflowError{Result: result}
	}
	if strings.TrimSpace(description) == "" {
		description = fmt.Sprintf("%s: saved workflow", actor.Name)
	}

	lease, err := s.coordinator.Acquire(ctx, room, holder(actor), roomlock.Silent())
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	state, err := s.store.Ensure(ctx, room, g, actor.ID, description)
	observeStore("ensure", err)
	if err != nil {
		return nil, err
	}

	s.broadcast(room, types.NewWorkflowMessage{
		Type:         types.MessageTypeNewWorkflow,
		ChatID:       room,
		Version:      state.Version,
		WorkflowData: state.Data,
		CreatedBy:    actor.ID,
	}, actor.ID)

	return &VersionView{Version: state.CurrentVersion, MaxVersion: state.Version, Data: state.Data}, nil
}

// Online lists the members connected to a room.
func (s *Service) Online(room string, actor *auth.Identity) ([]types.PresenceUser, error) {
	if !actor.CanRead(room) {
		return nil, ErrAccessDenied
	}
	users := s.hub.Online(room)
	if users == nil {
		users = []types.PresenceUser{}
	}
	return users, nil
}

// Validate checks a workflow document without storing it.
func (s *Service) Validate(data []byte) *validator.ValidationResult {
	result := s.validator.ValidateGraphJSON(data)
	if !result.Valid {
		return result
	}
	g, err := graph.ParseDocument(data)
	if err != nil {
		return result
	}
	return s.validator.ValidateGraph(g)
}

func (s *Service) broadcast(room string, msg any, exclude string) {
	if err := s.hub.Broadcast(room, msg, exclude); err != nil {
		s.logger.Warn("broadcast failed",
			slog.String("room", room),
			slog.String("error", err.Error()),
		)
	}
}

func holder(actor *auth.Identity) roomlock.Holder {
	return roomlock.Holder{ID: actor.ID, Name: actor.Name}
}

func observeStore(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, result).Inc()
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, any, string) error { return nil }
func (nopBroadcaster) Online(string) []types.PresenceUser  { return nil }
