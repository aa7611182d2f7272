package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind is the wire name of an operation.
type Kind string

const (
	KindMoveNode   Kind = "move_node"
	KindAddNode    Kind = "add_node"
	KindDeleteNode Kind = "delete_node"
	KindUpdateNode Kind = "update_node"
	KindAddEdge    Kind = "add_edge"
	KindDeleteEdge Kind = "delete_edge"
)

// ErrInvalidOperation is returned when an operation envelope is not a JSON object.
var ErrInvalidOperation = errors.New("invalid operation envelope")

// Operation is one atomic edit to a Graph. The set of implementations is
// closed: MoveNode, AddNode, DeleteNode, UpdateNode, AddEdge, DeleteEdge
// and Unknown.
type Operation interface {
	Kind() Kind
	// Target is the conflict key of the thing the operation edits.
	Target() TargetKey
	// AffectedNodeIDs lists every node id the operation touches.
	AffectedNodeIDs() NodeSet
	// Malformed reports whether required payload fields are missing.
	// Malformed operations apply as no-ops.
	Malformed() bool

	isOperation()
}

// NodeSet is a set of node ids.
type NodeSet map[string]struct{}

func newNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s NodeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// MoveNode sets the position of a node.
type MoveNode struct {
	NodeID   string    `json:"node_id,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// AddNode appends a node.
type AddNode struct {
	Node *Node `json:"node,omitempty"`
}

// DeleteNode removes a node and every edge incident to it.
type DeleteNode struct {
	NodeID string `json:"node_id,omitempty"`
}

// UpdateNode overwrites the label and/or type of a node.
type UpdateNode struct {
	NodeID string    `json:"node_id,omitempty"`
	Label  *string   `json:"label,omitempty"`
	Type   *NodeType `json:"type,omitempty"`
}

// AddEdge appends an edge.
type AddEdge struct {
	Edge *Edge `json:"edge,omitempty"`
}

// DeleteEdge removes every edge with the given endpoints.
type DeleteEdge struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Unknown carries an operation whose op_type is not recognized. It applies
// as a no-op and never collides with another operation's target.
type Unknown struct {
	OpType  string
	Payload json.RawMessage
	seq     uint64
}

var unknownSeq atomic.Uint64

// NewUnknown wraps an unrecognized operation.
func NewUnknown(opType string, payload json.RawMessage) Unknown {
	return Unknown{OpType: opType, Payload: payload, seq: unknownSeq.Add(1)}
}

func (MoveNode) Kind() Kind   { return KindMoveNode }
func (AddNode) Kind() Kind    { return KindAddNode }
func (DeleteNode) Kind() Kind { return KindDeleteNode }
func (UpdateNode) Kind() Kind { return KindUpdateNode }
func (AddEdge) Kind() Kind    { return KindAddEdge }
func (DeleteEdge) Kind() Kind { return KindDeleteEdge }
func (u Unknown) Kind() Kind  { return Kind(u.OpType) }

func (o MoveNode) Target() TargetKey   { return NodeTarget(o.NodeID) }
func (o DeleteNode) Target() TargetKey { return NodeTarget(o.NodeID) }
func (o UpdateNode) Target() TargetKey { return NodeTarget(o.NodeID) }
func (o DeleteEdge) Target() TargetKey { return EdgeTarget(o.From, o.To) }
func (u Unknown) Target() TargetKey    { return unknownTarget(u.seq) }

func (o AddNode) Target() TargetKey {
	if o.Node == nil {
		return NodeTarget("")
	}
	return NodeTarget(o.Node.ID)
}

func (o AddEdge) Target() TargetKey {
	if o.Edge == nil {
		return EdgeTarget("", "")
	}
	return EdgeTarget(o.Edge.From, o.Edge.To)
}

func (o MoveNode) AffectedNodeIDs() NodeSet   { return newNodeSet(o.NodeID) }
func (o DeleteNode) AffectedNodeIDs() NodeSet { return newNodeSet(o.NodeID) }
func (o UpdateNode) AffectedNodeIDs() NodeSet { return newNodeSet(o.NodeID) }
func (o DeleteEdge) AffectedNodeIDs() NodeSet { return newNodeSet(o.From, o.To) }
func (Unknown) AffectedNodeIDs() NodeSet      { return NodeSet{} }

func (o AddNode) AffectedNodeIDs() NodeSet {
	if o.Node == nil {
		return newNodeSet("")
	}
	return newNodeSet(o.Node.ID)
}

func (o AddEdge) AffectedNodeIDs() NodeSet {
	if o.Edge == nil {
		return newNodeSet("", "")
	}
	return newNodeSet(o.Edge.From, o.Edge.To)
}

func (o MoveNode) Malformed() bool   { return o.NodeID == "" || o.Position == nil }
func (o AddNode) Malformed() bool    { return o.Node == nil || o.Node.ID == "" }
func (o DeleteNode) Malformed() bool { return o.NodeID == "" }
func (o UpdateNode) Malformed() bool { return o.NodeID == "" }
func (o AddEdge) Malformed() bool    { return o.Edge == nil || o.Edge.From == "" || o.Edge.To == "" }
func (o DeleteEdge) Malformed() bool { return o.From == "" || o.To == "" }
func (Unknown) Malformed() bool      { return false }

func (MoveNode) isOperation()   {}
func (AddNode) isOperation()    {}
func (DeleteNode) isOperation() {}
func (UpdateNode) isOperation() {}
func (AddEdge) isOperation()    {}
func (DeleteEdge) isOperation() {}
func (Unknown) isOperation()    {}

// Wire is the serialized form of an operation.
type Wire struct {
	OpType  string          `json:"op_type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode converts an operation to its wire form.
func Encode(op Operation) (Wire, error) {
	if u, ok := op.(Unknown); ok {
		payload := u.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		return Wire{OpType: u.OpType, Payload: payload}, nil
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return Wire{}, fmt.Errorf("encode %s payload: %w", op.Kind(), err)
	}
	return Wire{OpType: string(op.Kind()), Payload: payload}, nil
}

// MarshalOperations serializes a batch as a JSON array of wire operations.
func MarshalOperations(ops []Operation) (json.RawMessage, error) {
	wires := make([]Wire, 0, len(ops))
	for _, op := range ops {
		w, err := Encode(op)
		if err != nil {
			return nil, err
		}
		wires = append(wires, w)
	}
	return json.Marshal(wires)
}

// UnmarshalOperations decodes a batch. It accepts a JSON array of wire
// operations or a single wire operation object.
func UnmarshalOperations(data []byte) ([]Operation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrInvalidOperation
	}
	if trimmed[0] == '{' {
		op, err := DecodeOperation(trimmed)
		if err != nil {
			return nil, err
		}
		return []Operation{op}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("decode operation batch: %w", err)
	}
	ops := make([]Operation, 0, len(raws))
	for _, raw := range raws {
		op, err := DecodeOperation(raw)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// DecodeOperation decodes one wire operation. Unrecognized op types become
// Unknown and payloads missing required keys decode to malformed variants;
// only an envelope that is not a JSON object is an error.
func DecodeOperation(data []byte) (Operation, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || env == nil {
		return nil, ErrInvalidOperation
	}

	var opType string
	if raw, ok := env["op_type"]; ok {
		var v any
		if err := decodeNumber(raw, &v); err == nil {
			opType = Stringify(v)
		}
	}

	payload := map[string]any{}
	if raw, ok := env["payload"]; ok {
		var v any
		if err := decodeNumber(raw, &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				payload = obj
			}
		}
	}

	switch Kind(opType) {
	case KindMoveNode:
		return MoveNode{
			NodeID:   stringField(payload, "node_id"),
			Position: positionFrom(payload["position"]),
		}, nil
	case KindAddNode:
		op := AddNode{}
		if obj, ok := payload["node"].(map[string]any); ok {
			if _, hasID := obj["id"]; hasID {
				op.Node = &Node{
					ID:       Stringify(obj["id"]),
					Label:    Stringify(obj["label"]),
					Type:     NodeType(Stringify(obj["type"])),
					Position: positionFrom(obj["position"]),
				}
			}
		}
		return op, nil
	case KindDeleteNode:
		return DeleteNode{NodeID: stringField(payload, "node_id")}, nil
	case KindUpdateNode:
		op := UpdateNode{NodeID: stringField(payload, "node_id")}
		if v, ok := payload["label"]; ok {
			s := Stringify(v)
			op.Label = &s
		}
		if v, ok := payload["type"]; ok {
			t := NodeType(Stringify(v))
			op.Type = &t
		}
		return op, nil
	case KindAddEdge:
		op := AddEdge{}
		if obj, ok := payload["edge"].(map[string]any); ok {
			_, okFrom := obj["from"]
			_, okTo := obj["to"]
			if okFrom && okTo {
				op.Edge = &Edge{From: Stringify(obj["from"]), To: Stringify(obj["to"])}
			}
		}
		return op, nil
	case KindDeleteEdge:
		return DeleteEdge{From: stringField(payload, "from"), To: stringField(payload, "to")}, nil
	default:
		return NewUnknown(opType, env["payload"]), nil
	}
}

// DescribeKinds joins the kinds of a batch with ", ".
func DescribeKinds(ops []Operation) string {
	kinds := make([]string, len(ops))
	for i, op := range ops {
		kinds[i] = string(op.Kind())
	}
	return strings.Join(kinds, ", ")
}

func stringField(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok {
		return ""
	}
	return Stringify(v)
}

func decodeNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// TargetKind distinguishes node targets from edge targets.
type TargetKind uint8

const (
	TargetNode TargetKind = iota + 1
	TargetEdge
	TargetUnknown
)

// TargetKey identifies what an operation edits. Two operations collide
// when their keys are equal.
type TargetKey struct {
	Kind TargetKind
	ID   string
	From string
	To   string
}

// NodeTarget returns the key for a node.
func NodeTarget(id string) TargetKey {
	return TargetKey{Kind: TargetNode, ID: id}
}

// EdgeTarget returns the key for an edge.
func EdgeTarget(from, to string) TargetKey {
	return TargetKey{Kind: TargetEdge, From: from, To: to}
}

func unknownTarget(seq uint64) TargetKey {
	return TargetKey{Kind: TargetUnknown, ID: strconv.FormatUint(seq, 10)}
}

func (k TargetKey) String() string {
	switch k.Kind {
	case TargetNode:
		return "node:" + k.ID
	case TargetEdge:
		return "edge:" + k.From + "-" + k.To
	default:
		return "unknown:" + k.ID
	}
}
