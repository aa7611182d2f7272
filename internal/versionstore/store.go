// Package versionstore provides per-room workflow persistence with a linear
// snapshot history and an append-only operation log.
package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// Common errors returned by Store implementations.
var (
	ErrStateNotFound       = errors.New("workflow state not found")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrVersionMismatch     = errors.New("workflow version changed concurrently")
	ErrInconsistentPointer = errors.New("current version has no snapshot")
)

// State is the live workflow of a room. Version is the highest version
// ever assigned; CurrentVersion points at the snapshot being shown and
// equals Version except after undo or revert.
type State struct {
	Room           string      `json:"room"`
	Version        int         `json:"version"`
	CurrentVersion int         `json:"current_version"`
	Data           graph.Graph `json:"data"`
	UpdatedBy      string      `json:"updated_by,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Snapshot is an immutable copy of the workflow at a version.
type Snapshot struct {
	Room        string      `json:"room"`
	Version     int         `json:"version"`
	Data        graph.Graph `json:"data"`
	Description string      `json:"description"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// OperationRecord is one committed batch in the operation log.
type OperationRecord struct {
	ID            string          `json:"id"`
	Room          string          `json:"room"`
	Editor        string          `json:"editor,omitempty"`
	VersionBefore int             `json:"version_before"`
	VersionAfter  int             `json:"version_after"`
	OpType        string          `json:"op_type"`
	Operations    json.RawMessage `json:"op_data"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CommitRequest is the input for committing a resolved batch.
type CommitRequest struct {
	// BaseVersion is the version the editor's batch was based on.
	BaseVersion int
	// NewVersion must be exactly one more than the stored Version.
	NewVersion  int
	Data        graph.Graph
	Editor      string
	Description string
	OpType      string
	Operations  json.RawMessage
	Status      string
}

// Validate checks if a CommitRequest is valid.
func (r *CommitRequest) Validate() error {
	if r.NewVersion < 1 {
		return fmt.Errorf("new version must be positive, got %d", r.NewVersion)
	}
	if len(r.Operations) == 0 {
		return errors.New("operations payload is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// Store defines the interface for workflow version persistence.
// Implementations must be safe for concurrent use, and every mutating
// method must take effect atomically per room.
type Store interface {
	// Ensure installs data as a new version, creating the room at version 1
	// if it has no state. Snapshots above the current pointer are dropped.
	Ensure(ctx context.Context, room string, data graph.Graph, editor, description string) (*State, error)

	// Get returns the room state. Returns ErrStateNotFound if absent.
	Get(ctx context.Context, room string) (*State, error)

	// Commit stores a resolved batch. Returns ErrVersionMismatch if the
	// stored Version is no longer NewVersion-1.
	Commit(ctx context.Context, room string, req *CommitRequest) (*State, *OperationRecord, error)

	// Revert moves the current pointer to an existing snapshot without
	// creating a version. Returns ErrSnapshotNotFound if absent.
	Revert(ctx context.Context, room string, version int, editor string) (*State, error)

	// Timeline lists all snapshots of a room, oldest first.
	Timeline(ctx context.Context, room string) ([]*Snapshot, error)

	// Snapshot returns one snapshot. Returns ErrSnapshotNotFound if absent.
	Snapshot(ctx context.Context, room string, version int) (*Snapshot, error)

	// OperationsSince returns log records with after < VersionAfter <= upto,
	// oldest first.
	OperationsSince(ctx context.Context, room string, after, upto int) ([]*OperationRecord, error)

	// Delete removes every trace of a room. Returns ErrStateNotFound if absent.
	Delete(ctx context.Context, room string) error

	// Close releases any resources.
	Close() error
}

// AdapterInfo describes a store backend for readiness reporting.
type AdapterInfo struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// Describer is implemented by stores that can report backend details.
type Describer interface {
	AdapterInfo() AdapterInfo
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

func encodeGraph(g graph.Graph) (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	return string(b), nil
}

func decodeGraph(s string) (graph.Graph, error) {
	var g graph.Graph
	if err := json.Unmarshal([]byte(s), &g); err != nil {
		return graph.Graph{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return g, nil
}
