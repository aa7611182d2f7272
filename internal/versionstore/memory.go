package versionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

type memoryRoom struct {
	state     State
	snapshots []Snapshot // ascending by version
	ops       []OperationRecord
}

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

// NewMemoryStore creates a new in-memory version store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*memoryRoom),
	}
}

// Ensure installs data as a new version of the room.
func (s *MemoryStore) Ensure(ctx context.Context, room string, data graph.Graph, editor, description string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	r, ok := s.rooms[room]
	if !ok {
		r = &memoryRoom{}
		s.rooms[room] = r
	} else {
		r.truncateAbove(r.state.CurrentVersion)
	}

	version := r.state.Version + 1
	r.state = State{
		Room:           room,
		Version:        version,
		CurrentVersion: version,
		Data:           data.Clone(),
		UpdatedBy:      editor,
		UpdatedAt:      now,
	}
	r.snapshots = append(r.snapshots, Snapshot{
		Room:        room,
		Version:     version,
		Data:        data.Clone(),
		Description: description,
		CreatedBy:   editor,
		CreatedAt:   now,
	})

	return r.stateCopy(), nil
}

// Get retrieves the room state.
func (s *MemoryStore) Get(ctx context.Context, room string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrStateNotFound
	}
	if r.snapshotIndex(r.state.CurrentVersion) < 0 {
		return nil, ErrInconsistentPointer
	}
	return r.stateCopy(), nil
}

// Commit stores a resolved batch.
func (s *MemoryStore) Commit(ctx context.Context, room string, req *CommitRequest) (*State, *OperationRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, nil, ErrStateNotFound
	}
	if r.state.Version != req.NewVersion-1 {
		return nil, nil, ErrVersionMismatch
	}

	now := time.Now().UTC()
	r.truncateAbove(r.state.CurrentVersion)
	r.state = State{
		Room:           room,
		Version:        req.NewVersion,
		CurrentVersion: req.NewVersion,
		Data:           req.Data.Clone(),
		UpdatedBy:      req.Editor,
		UpdatedAt:      now,
	}
	rec := OperationRecord{
		ID:            uuid.New().String(),
		Room:          room,
		Editor:        req.Editor,
		VersionBefore: req.BaseVersion,
		VersionAfter:  req.NewVersion,
		OpType:        req.OpType,
		Operations:    append([]byte(nil), req.Operations...),
		Status:        req.Status,
		CreatedAt:     now,
	}
	r.ops = append(r.ops, rec)
	r.snapshots = append(r.snapshots, Snapshot{
		Room:        room,
		Version:     req.NewVersion,
		Data:        req.Data.Clone(),
		Description: req.Description,
		CreatedBy:   req.Editor,
		CreatedAt:   now,
	})

	out := rec
	return r.stateCopy(), &out, nil
}

// Revert moves the current pointer to an existing snapshot.
func (s *MemoryStore) Revert(ctx context.Context, room string, version int, editor string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrStateNotFound
	}
	idx := r.snapshotIndex(version)
	if idx < 0 {
		return nil, ErrSnapshotNotFound
	}

	r.state.CurrentVersion = version
	r.state.Data = r.snapshots[idx].Data.Clone()
	r.state.UpdatedBy = editor
	r.state.UpdatedAt = time.Now().UTC()
	return r.stateCopy(), nil
}

// Timeline lists all snapshots of a room.
func (s *MemoryStore) Timeline(ctx context.Context, room string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := make([]*Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		c := snap
		c.Data = snap.Data.Clone()
		out = append(out, &c)
	}
	return out, nil
}

// Snapshot returns one snapshot.
func (s *MemoryStore) Snapshot(ctx context.Context, room string, version int) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	idx := r.snapshotIndex(version)
	if idx < 0 {
		return nil, ErrSnapshotNotFound
	}
	c := r.snapshots[idx]
	c.Data = c.Data.Clone()
	return &c, nil
}

// OperationsSince returns log records in (after, upto].
func (s *MemoryStore) OperationsSince(ctx context.Context, room string, after, upto int) ([]*OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	var out []*OperationRecord
	for _, rec := range r.ops {
		if rec.VersionAfter > after && rec.VersionAfter <= upto {
			c := rec
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VersionAfter < out[j].VersionAfter
	})
	return out, nil
}

// Delete removes a room.
func (s *MemoryStore) Delete(ctx context.Context, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room]; !ok {
		return ErrStateNotFound
	}
	delete(s.rooms, room)
	return nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}

// AdapterInfo describes the backend.
func (s *MemoryStore) AdapterInfo() AdapterInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AdapterInfo{Type: "memory", Details: map[string]any{"rooms": len(s.rooms)}}
}

func (r *memoryRoom) truncateAbove(version int) {
	kept := r.snapshots[:0]
	for _, snap := range r.snapshots {
		if snap.Version <= version {
			kept = append(kept, snap)
		}
	}
	r.snapshots = kept
}

func (r *memoryRoom) snapshotIndex(version int) int {
	i := sort.Search(len(r.snapshots), func(i int) bool {
		return r.snapshots[i].Version >= version
	})
	if i < len(r.snapshots) && r.snapshots[i].Version == version {
		return i
	}
	return -1
}

func (r *memoryRoom) stateCopy() *State {
	c := r.state
	c.Data = r.state.Data.Clone()
	return &c
}
