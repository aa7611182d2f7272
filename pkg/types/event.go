// Package types provides shared message types for the collaboration service.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// MessageType categorizes messages pushed to room members over the websocket.
type MessageType string

const (
	MessageTypePresence      MessageType = "presence"
	MessageTypeProcessing    MessageType = "processing"
	MessageTypeWorkflowOp    MessageType = "workflow_op"
	MessageTypeVersionRevert MessageType = "version_revert"
	MessageTypeUndo          MessageType = "undo"
	MessageTypeRedo          MessageType = "redo"
	MessageTypeNewWorkflow   MessageType = "new_workflow"
	MessageTypeTyping        MessageType = "typing"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
)

// ProcessingStatus is the phase reported by processing messages.
type ProcessingStatus string

const (
	ProcessingQueued  ProcessingStatus = "queued"
	ProcessingStarted ProcessingStatus = "started"
	ProcessingDone    ProcessingStatus = "done"
)

// PresenceUser is one connected member.
type PresenceUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// PresenceMessage lists everyone connected to a room.
type PresenceMessage struct {
	Type   MessageType    `json:"type"`
	ChatID string         `json:"chat_id"`
	Users  []PresenceUser `json:"users"`
}

// ProcessingMessage reports room gate activity.
type ProcessingMessage struct {
	Type        MessageType      `json:"type"`
	Status      ProcessingStatus `json:"status"`
	QueuedBy    string           `json:"queued_by,omitempty"`
	ProcessedBy string           `json:"processed_by,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// WorkflowOpMessage announces a committed operation batch.
type WorkflowOpMessage struct {
	Type              MessageType     `json:"type"`
	ChatID            string          `json:"chat_id"`
	Version           int             `json:"version"`
	Data              graph.Graph     `json:"data"`
	Operations        json.RawMessage `json:"operations"`
	AppliedBy         string          `json:"applied_by"`
	AppliedByUsername string          `json:"applied_by_username,omitempty"`
	Status            string          `json:"status"`
}

// VersionRevertMessage announces a pointer move to an older snapshot.
type VersionRevertMessage struct {
	Type               MessageType `json:"type"`
	ChatID             string      `json:"chat_id"`
	CurrentVersion     int         `json:"current_version"`
	MaxVersion         int         `json:"max_version"`
	TargetVersion      int         `json:"target_version"`
	Data               graph.Graph `json:"data"`
	RevertedBy         string      `json:"reverted_by"`
	RevertedByUsername string      `json:"reverted_by_username,omitempty"`
}

// HistoryMessage announces an undo or redo.
type HistoryMessage struct {
	Type             MessageType `json:"type"`
	ChatID           string      `json:"chat_id"`
	CurrentVersion   int         `json:"current_version"`
	MaxVersion       int         `json:"max_version"`
	UndoneBy         string      `json:"undone_by,omitempty"`
	UndoneByUsername string      `json:"undone_by_username,omitempty"`
	WorkflowData     graph.Graph `json:"workflow_data"`
}

// NewWorkflowMessage announces a generated workflow.
type NewWorkflowMessage struct {
	Type         MessageType `json:"type"`
	ChatID       string      `json:"chat_id"`
	Version      int         `json:"version"`
	WorkflowData graph.Graph `json:"workflow_data"`
	CreatedBy    string      `json:"created_by"`
}

// TypingMessage relays a typing indicator.
type TypingMessage struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	IsTyping bool        `json:"is_typing"`
}

// InboundMessage is a message received from a websocket client.
type InboundMessage struct {
	Type     MessageType `json:"type"`
	IsTyping bool        `json:"is_typing,omitempty"`
}

// EventType categorizes the kind of stream event sent during generation.
type EventType string

const (
	EventTypeStreamStart      EventType = "stream_start"
	EventTypeTextChunk        EventType = "text_chunk"
	EventTypeNodeAdd          EventType = "node_add"
	EventTypeEdgeAdd          EventType = "edge_add"
	EventTypeWorkflowComplete EventType = "workflow_complete"
	EventTypeStreamEnd        EventType = "stream_end"
	EventTypeError            EventType = "error"
)

// Event represents a single event in a generation stream.
type Event struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id, marshalling data as the payload.
func NewEvent(room string, typ EventType, data any) (*Event, error) {
	evt := &Event{
		ID:        uuid.New().String(),
		Room:      room,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s event: %w", typ, err)
		}
		evt.Data = raw
	}
	return evt, nil
}

// StreamStartEvent opens a generation stream.
type StreamStartEvent struct {
	RequestedBy string `json:"requested_by"`
}

// TextChunkEvent carries a piece of model output.
type TextChunkEvent struct {
	Content string `json:"content"`
}

// NodeAddEvent carries a node recognised while the answer streams.
type NodeAddEvent struct {
	Node graph.Node `json:"node"`
}

// EdgeAddEvent carries an edge recognised while the answer streams.
type EdgeAddEvent struct {
	Edge graph.Edge `json:"edge"`
}

// WorkflowCompleteEvent carries the final result of a generation.
type WorkflowCompleteEvent struct {
	DisplayContent string       `json:"display_content"`
	WorkflowData   *graph.Graph `json:"workflow_data"`
	Degraded       bool         `json:"degraded,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// StreamEndEvent closes a generation stream.
type StreamEndEvent struct {
	WorkflowVersion *int `json:"workflow_version"`
}

// ErrorEvent reports a failure inside a stream.
type ErrorEvent struct {
	Error string `json:"error"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
