// Package hub tracks who is connected to each room and fans messages out to
// their live connections.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/collab-go/pkg/types"
)

// Conn is a live channel to one member.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

type member struct {
	conn     Conn
	presence types.PresenceUser
}

// Hub maintains the members of every room. Each room keeps a connection per
// identity and the presence metadata for it; both are dropped together.
type Hub struct {
	// Members by room, then by user id
	rooms map[string]map[string]*member

	// Mutex for the rooms map
	mu sync.RWMutex

	// Logger
	logger *slog.Logger

	// Allowed WebSocket origins
	allowedOrigins map[string]bool
}

// Config holds Hub configuration.
type Config struct {
	Logger         *slog.Logger
	AllowedOrigins []string // empty allows all
}

// New creates a Hub with the given configuration.
func New(cfg *Config) *Hub {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowedOrigins := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = true
	}

	return &Hub{
		rooms:          make(map[string]map[string]*member),
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

// Connect registers conn for user in room and broadcasts the new presence
// snapshot. A previous connection for the same user is closed.
func (h *Hub) Connect(room string, user types.PresenceUser, conn Conn) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*member)
		h.rooms[room] = members
	}
	prev := members[user.UserID]
	members[user.UserID] = &member{conn: conn, presence: user}
	h.mu.Unlock()

	if prev == nil {
		metrics.WebSocketConnections.Inc()
	} else if prev.conn != conn {
		prev.conn.Close()
	}

	h.logger.Info("member connected",
		slog.String("room", room),
		slog.String("user_id", user.UserID),
		slog.String("username", user.Username),
	)
	h.broadcastPresence(room)
}

// Disconnect removes user from room if conn is still the registered
// connection, then broadcasts the remaining presence. It reports whether
// anything was removed.
func (h *Hub) Disconnect(room, userID string, conn Conn) bool {
	h.mu.Lock()
	removed := h.remove(room, userID, conn)
	h.mu.Unlock()
	if !removed {
		return false
	}

	h.logger.Info("member disconnected",
		slog.String("room", room),
		slog.String("user_id", userID),
	)
	h.broadcastPresence(room)
	return true
}

// remove must be called with h.mu held.
func (h *Hub) remove(room, userID string, conn Conn) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	m, ok := members[userID]
	if !ok || (conn != nil && m.conn != conn) {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	metrics.WebSocketConnections.Dec()
	return true
}

type target struct {
	userID string
	conn   Conn
}

// Broadcast delivers msg to every member of room except exclude. Members
// whose delivery fails are dropped and closed; the broadcast continues.
func (h *Hub) Broadcast(room string, msg any, exclude string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	h.mu.RLock()
	targets := make([]target, 0, len(h.rooms[room]))
	for id, m := range h.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, target{userID: id, conn: m.conn})
	}
	h.mu.RUnlock()

	var failed []target
	for _, t := range targets {
		if err := t.conn.Send(payload); err != nil {
			h.logger.Warn("dropping member after failed send",
				slog.String("room", room),
				slog.String("user_id", t.userID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, t)
		}
	}

	metrics.BroadcastMessagesTotal.WithLabelValues(messageType(msg)).Inc()
	if len(failed) == 0 {
		return nil
	}

	h.mu.Lock()
	for _, t := range failed {
		if h.remove(room, t.userID, t.conn) {
			metrics.BroadcastDropsTotal.Inc()
		}
	}
	h.mu.Unlock()
	for _, t := range failed {
		t.conn.Close()
	}
	return nil
}

// Online returns the presence metadata of everyone in room, ordered by user id.
func (h *Hub) Online(room string) []types.PresenceUser {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]types.PresenceUser, 0, len(h.rooms[room]))
	for _, m := range h.rooms[room] {
		users = append(users, m.presence)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// ClientCount returns the number of connected members across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, members := range h.rooms {
		count += len(members)
	}
	return count
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Stop closes every connection and forgets all rooms.
func (h *Hub) Stop() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[string]*member)
	h.mu.Unlock()

	for _, members := range rooms {
		for _, m := range members {
			m.conn.Close()
			metrics.WebSocketConnections.Dec()
		}
	}
}

func (h *Hub) broadcastPresence(room string) {
	msg := types.PresenceMessage{
		Type:   types.MessageTypePresence,
		ChatID: room,
		Users:  h.Online(room),
	}
	if err := h.Broadcast(room, msg, ""); err != nil {
		h.logger.Warn("presence broadcast failed", slog.String("room", room), slog.String("error", err.Error()))
	}
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case types.PresenceMessage:
		return string(m.Type)
	case types.ProcessingMessage:
		return string(m.Type)
	case types.WorkflowOpMessage:
		return string(m.Type)
	case types.VersionRevertMessage:
		return string(m.Type)
	case types.HistoryMessage:
		return string(m.Type)
	case types.NewWorkflowMessage:
		return string(m.Type)
	case types.TypingMessage:
		return string(m.Type)
	default:
		return "other"
	}
}
