package graph

import (
	"encoding/json"
	"testing"
)

func sampleGraph() Graph {
	return Graph{
		Nodes: []Node{
			{ID: "1", Label: "Start", Type: NodeStart},
			{ID: "2", Label: "Review", Type: NodeProcess},
			{ID: "3", Label: "Done", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "1", To: "2"},
			{From: "2", To: "3"},
		},
	}
}

func strPtr(s string) *string { return &s }

func TestApply(t *testing.T) {
	t.Run("move node sets position", func(t *testing.T) {
		g := Apply(sampleGraph(), MoveNode{NodeID: "2", Position: &Position{X: 10, Y: 20}})
		n, _ := g.Node("2")
		if n.Position == nil || n.Position.X != 10 || n.Position.Y != 20 {
			t.Errorf("expected position (10,20), got %+v", n.Position)
		}
	})

	t.Run("add node appends", func(t *testing.T) {
		g := Apply(sampleGraph(), AddNode{Node: &Node{ID: "4", Label: "Extra", Type: NodeProcess}})
		if len(g.Nodes) != 4 {
			t.Fatalf("expected 4 nodes, got %d", len(g.Nodes))
		}
		if g.Nodes[3].ID != "4" {
			t.Errorf("expected appended node 4, got %s", g.Nodes[3].ID)
		}
	})

	t.Run("delete node removes incident edges", func(t *testing.T) {
		g := Apply(sampleGraph(), DeleteNode{NodeID: "2"})
		if len(g.Nodes) != 2 {
			t.Errorf("expected 2 nodes, got %d", len(g.Nodes))
		}
		if len(g.Edges) != 0 {
			t.Errorf("expected no edges, got %v", g.Edges)
		}
	})

	t.Run("update node overwrites present fields only", func(t *testing.T) {
		g := Apply(sampleGraph(), UpdateNode{NodeID: "2", Label: strPtr("Approve")})
		n, _ := g.Node("2")
		if n.Label != "Approve" {
			t.Errorf("expected label Approve, got %s", n.Label)
		}
		if n.Type != NodeProcess {
			t.Errorf("expected type unchanged, got %s", n.Type)
		}
	})

	t.Run("add and delete edge", func(t *testing.T) {
		g := Apply(sampleGraph(), AddEdge{Edge: &Edge{From: "1", To: "3"}})
		if !g.HasEdge("1", "3") {
			t.Fatal("expected edge 1->3")
		}
		g = Apply(g, DeleteEdge{From: "1", To: "3"})
		if g.HasEdge("1", "3") {
			t.Error("expected edge 1->3 removed")
		}
		if len(g.Edges) != 2 {
			t.Errorf("expected 2 edges, got %d", len(g.Edges))
		}
	})

	t.Run("malformed and unknown are no-ops", func(t *testing.T) {
		base := sampleGraph()
		ops := []Operation{
			MoveNode{NodeID: "1"},
			AddNode{},
			AddEdge{Edge: &Edge{From: "1"}},
			DeleteNode{},
			NewUnknown("rotate_node", json.RawMessage(`{"node_id":"1"}`)),
		}
		g := ApplyAll(base, ops)
		if len(g.Nodes) != 3 || len(g.Edges) != 2 {
			t.Errorf("expected unchanged graph, got %d nodes %d edges", len(g.Nodes), len(g.Edges))
		}
	})

	t.Run("move and update touch the first matching node", func(t *testing.T) {
		g := Graph{Nodes: []Node{
			{ID: "1", Label: "A", Type: NodeProcess},
			{ID: "1", Label: "B", Type: NodeProcess},
		}}
		g = ApplyAll(g, []Operation{
			MoveNode{NodeID: "1", Position: &Position{X: 5, Y: 5}},
			UpdateNode{NodeID: "1", Label: strPtr("C")},
		})
		if g.Nodes[0].Position == nil || g.Nodes[0].Label != "C" {
			t.Errorf("first node not edited: %+v", g.Nodes[0])
		}
		if g.Nodes[1].Position != nil || g.Nodes[1].Label != "B" {
			t.Errorf("second node should be untouched: %+v", g.Nodes[1])
		}
	})

	t.Run("delete of missing node leaves orphans alone", func(t *testing.T) {
		g := Graph{Edges: []Edge{{From: "x", To: "y"}}}
		g = Apply(g, DeleteNode{NodeID: "z"})
		if len(g.Edges) != 1 {
			t.Errorf("expected orphan edge kept, got %v", g.Edges)
		}
		if len(g.OrphanedEdges()) != 1 {
			t.Errorf("expected 1 orphaned edge, got %d", len(g.OrphanedEdges()))
		}
	})
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	base := sampleGraph()
	base.Nodes[0].Position = &Position{X: 1, Y: 1}

	_ = ApplyAll(base, []Operation{
		MoveNode{NodeID: "1", Position: &Position{X: 99, Y: 99}},
		DeleteNode{NodeID: "2"},
		UpdateNode{NodeID: "3", Label: strPtr("changed")},
	})

	if base.Nodes[0].Position.X != 1 {
		t.Errorf("input position mutated: %+v", base.Nodes[0].Position)
	}
	if len(base.Nodes) != 3 || len(base.Edges) != 2 {
		t.Errorf("input shape mutated: %d nodes %d edges", len(base.Nodes), len(base.Edges))
	}
	if base.Nodes[2].Label != "Done" {
		t.Errorf("input label mutated: %s", base.Nodes[2].Label)
	}
}

func TestApplyAdditiveIdempotent(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		wantNodes int
		wantEdges int
	}{
		{"add existing node", AddNode{Node: &Node{ID: "1", Label: "Other", Type: NodeProcess}}, 3, 2},
		{"add new node twice", AddNode{Node: &Node{ID: "4", Label: "Extra", Type: NodeProcess}}, 4, 2},
		{"add existing edge", AddEdge{Edge: &Edge{From: "1", To: "2"}}, 3, 2},
		{"add new edge twice", AddEdge{Edge: &Edge{From: "1", To: "3"}}, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := Apply(sampleGraph(), tt.op)
			twice := Apply(once, tt.op)
			if len(once.Nodes) != tt.wantNodes || len(once.Edges) != tt.wantEdges {
				t.Errorf("after one apply: %d nodes %d edges, want %d %d",
					len(once.Nodes), len(once.Edges), tt.wantNodes, tt.wantEdges)
			}
			if len(twice.Nodes) != len(once.Nodes) || len(twice.Edges) != len(once.Edges) {
				t.Errorf("second apply changed graph: %d nodes %d edges, want %d %d",
					len(twice.Nodes), len(twice.Edges), len(once.Nodes), len(once.Edges))
			}
		})
	}

	t.Run("existing node keeps its fields", func(t *testing.T) {
		g := Apply(sampleGraph(), AddNode{Node: &Node{ID: "1", Label: "Other", Type: NodeProcess}})
		n, _ := g.Node("1")
		if n.Label != "Start" || n.Type != NodeStart {
			t.Errorf("existing node overwritten: %+v", n)
		}
	})
}

func TestTargetAndAffected(t *testing.T) {
	tests := []struct {
		name     string
		op       Operation
		target   string
		affected []string
	}{
		{"move", MoveNode{NodeID: "a", Position: &Position{}}, "node:a", []string{"a"}},
		{"add node", AddNode{Node: &Node{ID: "b"}}, "node:b", []string{"b"}},
		{"delete node", DeleteNode{NodeID: "c"}, "node:c", []string{"c"}},
		{"update", UpdateNode{NodeID: "d"}, "node:d", []string{"d"}},
		{"add edge", AddEdge{Edge: &Edge{From: "a", To: "b"}}, "edge:a-b", []string{"a", "b"}},
		{"delete edge", DeleteEdge{From: "b", To: "c"}, "edge:b-c", []string{"b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op.Target().String(); got != tt.target {
				t.Errorf("expected target %s, got %s", tt.target, got)
			}
			affected := tt.op.AffectedNodeIDs()
			if len(affected) != len(tt.affected) {
				t.Fatalf("expected %d affected, got %d", len(tt.affected), len(affected))
			}
			for _, id := range tt.affected {
				if !affected.Has(id) {
					t.Errorf("expected %s affected", id)
				}
			}
		})
	}

	t.Run("unknown targets never collide", func(t *testing.T) {
		a := NewUnknown("x", nil)
		b := NewUnknown("x", nil)
		if a.Target() == b.Target() {
			t.Error("expected distinct unknown targets")
		}
		if len(a.AffectedNodeIDs()) != 0 {
			t.Error("expected unknown to affect no nodes")
		}
	})

	t.Run("structural keys avoid separator collisions", func(t *testing.T) {
		a := EdgeTarget("a-b", "c")
		b := EdgeTarget("a", "b-c")
		if a == b {
			t.Error("expected distinct edge targets")
		}
	})
}

func TestDecodeOperation(t *testing.T) {
	t.Run("known kinds", func(t *testing.T) {
		op, err := DecodeOperation([]byte(`{"op_type":"move_node","payload":{"node_id":7,"position":{"x":1.5,"y":2}}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		move, ok := op.(MoveNode)
		if !ok {
			t.Fatalf("expected MoveNode, got %T", op)
		}
		if move.NodeID != "7" {
			t.Errorf("expected stringified id 7, got %q", move.NodeID)
		}
		if move.Position == nil || move.Position.X != 1.5 {
			t.Errorf("unexpected position %+v", move.Position)
		}
	})

	t.Run("missing payload keys decode malformed", func(t *testing.T) {
		op, err := DecodeOperation([]byte(`{"op_type":"add_edge","payload":{"edge":{"from":"1"}}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !op.Malformed() {
			t.Error("expected malformed add_edge")
		}
	})

	t.Run("non-object payload", func(t *testing.T) {
		op, err := DecodeOperation([]byte(`{"op_type":"delete_node","payload":"nope"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !op.Malformed() {
			t.Error("expected malformed delete_node")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		op, err := DecodeOperation([]byte(`{"op_type":"rotate","payload":{"deg":90}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := op.(Unknown); !ok {
			t.Fatalf("expected Unknown, got %T", op)
		}
		if op.Kind() != "rotate" {
			t.Errorf("expected kind rotate, got %s", op.Kind())
		}
	})

	t.Run("invalid envelope", func(t *testing.T) {
		if _, err := DecodeOperation([]byte(`[1,2]`)); err == nil {
			t.Error("expected error for array envelope")
		}
	})
}

func TestOperationBatchEncoding(t *testing.T) {
	ops := []Operation{
		AddNode{Node: &Node{ID: "4", Label: "New", Type: NodeDecision}},
		AddEdge{Edge: &Edge{From: "3", To: "4"}},
		UpdateNode{NodeID: "1", Label: strPtr("Begin")},
		NewUnknown("custom", json.RawMessage(`{"k":"v"}`)),
	}

	raw, err := MarshalOperations(ops)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalOperations(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("expected %d ops, got %d", len(ops), len(decoded))
	}

	g := ApplyAll(sampleGraph(), decoded)
	if _, ok := g.Node("4"); !ok {
		t.Error("expected node 4 after decoded batch")
	}
	if !g.HasEdge("3", "4") {
		t.Error("expected edge 3->4 after decoded batch")
	}
	if n, _ := g.Node("1"); n.Label != "Begin" {
		t.Errorf("expected label Begin, got %s", n.Label)
	}
	if got := DescribeKinds(decoded); got != "add_node, add_edge, update_node, custom" {
		t.Errorf("unexpected kind description %q", got)
	}

	single, err := UnmarshalOperations([]byte(`{"op_type":"delete_node","payload":{"node_id":"2"}}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("expected single op, got %v (%v)", single, err)
	}
}

func TestParseDocument(t *testing.T) {
	g, err := ParseDocument([]byte(`{"nodes":[{"id":1,"label":"Start","type":"start"},{"label":"no id"}],"edges":[{"from":1,"to":2}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].ID != "1" {
		t.Errorf("unexpected nodes %+v", g.Nodes)
	}
	if len(g.Edges) != 1 || g.Edges[0] != (Edge{From: "1", To: "2"}) {
		t.Errorf("unexpected edges %+v", g.Edges)
	}

	if _, err := ParseDocument([]byte(`{"nodes":[]}`)); err == nil {
		t.Error("expected error when edges missing")
	}

	out, _ := json.Marshal(Graph{})
	if string(out) != `{"nodes":[],"edges":[]}` {
		t.Errorf("expected empty arrays, got %s", out)
	}
}
