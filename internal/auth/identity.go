// Package auth describes who is calling and what they may do in each room.
package auth

import (
	"context"
)

// Role is a member's permission level within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanRead reports whether the role may read room state.
func (r Role) CanRead() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether the role may change room state.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// AnyRoom is the room key that grants a role in every room.
const AnyRoom = "*"

// Identity is an authenticated caller with pre-checked room roles.
type Identity struct {
	ID    string
	Name  string
	rooms map[string]Role
}

// NewIdentity builds an identity. rooms maps room ids (or AnyRoom) to roles.
func NewIdentity(id, name string, rooms map[string]Role) *Identity {
	copied := make(map[string]Role, len(rooms))
	for room, role := range rooms {
		copied[room] = role
	}
	if name == "" {
		name = id
	}
	return &Identity{ID: id, Name: name, rooms: copied}
}

// Anonymous is the identity used when authentication is disabled.
func Anonymous() *Identity {
	return NewIdentity("anonymous", "anonymous", map[string]Role{AnyRoom: RoleOwner})
}

// RoleIn returns the caller's role in room, or "" when it has none.
func (i *Identity) RoleIn(room string) Role {
	if i == nil {
		return ""
	}
	if role, ok := i.rooms[room]; ok {
		return role
	}
	return i.rooms[AnyRoom]
}

// CanRead reports whether the caller may read room.
func (i *Identity) CanRead(room string) bool {
	return i.RoleIn(room).CanRead()
}

// CanEdit reports whether the caller may edit room.
func (i *Identity) CanEdit(room string) bool {
	return i.RoleIn(room).CanEdit()
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
