// Package graph holds the workflow diagram model and the edit operations
// that mutate it.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// NodeType classifies a workflow node.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeProcess  NodeType = "process"
	NodeDecision NodeType = "decision"
	NodeEnd      NodeType = "end"
)

// Position is the canvas location of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single workflow step.
type Node struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Type     NodeType  `json:"type"`
	Position *Position `json:"position,omitempty"`
}

// Edge is a directed connection between two nodes. Edges have no identity
// beyond their endpoints.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Key returns the textual edge key used in logs and messages.
func (e Edge) Key() string {
	return e.From + "->" + e.To
}

// Graph is the workflow document shared by a room.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MarshalJSON always emits arrays, never null.
func (g Graph) MarshalJSON() ([]byte, error) {
	type alias Graph
	out := alias(g)
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	return json.Marshal(out)
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		if n.Position != nil {
			p := *n.Position
			n.Position = &p
		}
		out.Nodes[i] = n
	}
	copy(out.Edges, g.Edges)
	return out
}

// IsEmpty reports whether the graph has no nodes.
func (g Graph) IsEmpty() bool {
	return len(g.Nodes) == 0
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// HasEdge reports whether an edge with the given endpoints exists.
func (g Graph) HasEdge(from, to string) bool {
	for _, e := range g.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// OrphanedEdges returns edges whose endpoints are not present as nodes.
// Apply never removes such edges on its own; callers may surface them as
// validation warnings.
func (g Graph) OrphanedEdges() []Edge {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	var orphans []Edge
	for _, e := range g.Edges {
		_, okFrom := ids[e.From]
		_, okTo := ids[e.To]
		if !okFrom || !okTo {
			orphans = append(orphans, e)
		}
	}
	return orphans
}

// ParseDocument decodes a workflow document leniently: scalar ids and
// labels of any JSON type are stringified, unknown keys are ignored, and
// entries missing required keys are dropped.
func ParseDocument(data []byte) (Graph, error) {
	var doc struct {
		Nodes []map[string]any `json:"nodes"`
		Edges []map[string]any `json:"edges"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Graph{}, fmt.Errorf("decode workflow document: %w", err)
	}
	if doc.Nodes == nil || doc.Edges == nil {
		return Graph{}, fmt.Errorf("workflow document requires nodes and edges")
	}

	g := Graph{Nodes: make([]Node, 0, len(doc.Nodes)), Edges: make([]Edge, 0, len(doc.Edges))}
	for _, obj := range doc.Nodes {
		n, ok := NodeFromObject(obj)
		if !ok {
			continue
		}
		g.Nodes = append(g.Nodes, n)
	}
	for _, obj := range doc.Edges {
		e, ok := EdgeFromObject(obj)
		if !ok {
			continue
		}
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}

// NodeFromObject builds a node from a decoded JSON object carrying id,
// label and type.
func NodeFromObject(obj map[string]any) (Node, bool) {
	id, okID := obj["id"]
	label, okLabel := obj["label"]
	typ, okType := obj["type"]
	if !okID || !okLabel || !okType {
		return Node{}, false
	}
	n := Node{
		ID:    Stringify(id),
		Label: Stringify(label),
		Type:  NodeType(Stringify(typ)),
	}
	n.Position = positionFrom(obj["position"])
	return n, true
}

// EdgeFromObject builds an edge from a decoded JSON object carrying from
// and to. Objects that also carry an id are nodes, not edges.
func EdgeFromObject(obj map[string]any) (Edge, bool) {
	from, okFrom := obj["from"]
	to, okTo := obj["to"]
	if !okFrom || !okTo {
		return Edge{}, false
	}
	if _, hasID := obj["id"]; hasID {
		return Edge{}, false
	}
	return Edge{From: Stringify(from), To: Stringify(to)}, true
}

// Stringify renders a decoded JSON scalar as text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func positionFrom(v any) *Position {
	pos, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	x, okX := toFloat(pos["x"])
	y, okY := toFloat(pos["y"])
	if !okX || !okY {
		return nil
	}
	return &Position{X: x, Y: y}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
