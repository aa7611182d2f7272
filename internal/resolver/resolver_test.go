package resolver

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

func baseGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "1", Label: "Start", Type: graph.NodeStart},
			{ID: "2", Label: "Work", Type: graph.NodeProcess},
			{ID: "3", Label: "End", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{{From: "1", To: "2"}, {From: "2", To: "3"}},
	}
}

func batch(t *testing.T, ops ...graph.Operation) json.RawMessage {
	t.Helper()
	raw, err := graph.MarshalOperations(ops)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return raw
}

func move(id string, x, y float64) graph.Operation {
	return graph.MoveNode{NodeID: id, Position: &graph.Position{X: x, Y: y}}
}

func TestResolveApplied(t *testing.T) {
	res := Resolve(Input{
		CurrentData:    baseGraph(),
		CurrentVersion: 4,
		BaseVersion:    4,
		Incoming:       []graph.Operation{move("2", 5, 5)},
	})
	if res.Status != StatusApplied {
		t.Fatalf("expected applied, got %s", res.Status)
	}
	if res.Version != 5 {
		t.Errorf("expected version 5, got %d", res.Version)
	}
	n, _ := res.Data.Node("2")
	if n.Position == nil || n.Position.X != 5 {
		t.Errorf("expected moved node, got %+v", n.Position)
	}
}

func TestResolveMerged(t *testing.T) {
	current := graph.Apply(baseGraph(), move("1", 1, 1))
	res := Resolve(Input{
		CurrentData:    current,
		CurrentVersion: 5,
		BaseVersion:    4,
		Incoming:       []graph.Operation{move("3", 9, 9)},
		Log:            []json.RawMessage{batch(t, move("1", 1, 1))},
	})
	if res.Status != StatusMerged {
		t.Fatalf("expected merged, got %s (%v)", res.Status, res.Conflicts)
	}
	if res.Version != 6 {
		t.Errorf("expected version 6, got %d", res.Version)
	}
	n1, _ := res.Data.Node("1")
	n3, _ := res.Data.Node("3")
	if n1.Position == nil || n3.Position == nil {
		t.Error("expected both moves present in merged data")
	}
}

func TestResolveConflicts(t *testing.T) {
	tests := []struct {
		name       string
		incoming   []graph.Operation
		concurrent []graph.Operation
		kinds      []ConflictKind
		message    string
	}{
		{
			name:       "same node moved twice",
			incoming:   []graph.Operation{move("2", 1, 1)},
			concurrent: []graph.Operation{move("2", 2, 2)},
			kinds:      []ConflictKind{ConflictSameTarget},
			message:    "Conflict on node:2: your 'move_node' vs concurrent 'move_node'",
		},
		{
			name:       "delete a node someone moved",
			incoming:   []graph.Operation{graph.DeleteNode{NodeID: "3"}},
			concurrent: []graph.Operation{graph.AddEdge{Edge: &graph.Edge{From: "1", To: "3"}}},
			kinds:      []ConflictKind{ConflictDeleteTouched},
			message:    "Cannot delete node '3': it was modified by a concurrent 'add_edge' operation",
		},
		{
			name:       "edge into a deleted node",
			incoming:   []graph.Operation{graph.AddEdge{Edge: &graph.Edge{From: "1", To: "3"}}},
			concurrent: []graph.Operation{graph.DeleteNode{NodeID: "3"}},
			kinds:      []ConflictKind{ConflictReferencesDeleted},
			message:    "Conflict: your 'add_edge' references node '3' which was deleted concurrently",
		},
		{
			name:       "same edge added twice",
			incoming:   []graph.Operation{graph.AddEdge{Edge: &graph.Edge{From: "1", To: "3"}}},
			concurrent: []graph.Operation{graph.AddEdge{Edge: &graph.Edge{From: "1", To: "3"}}},
			kinds:      []ConflictKind{ConflictSameTarget},
			message:    "Conflict on edge:1-3: your 'add_edge' vs concurrent 'add_edge'",
		},
		{
			name:       "update of deleted node hits same target first",
			incoming:   []graph.Operation{graph.UpdateNode{NodeID: "2"}},
			concurrent: []graph.Operation{graph.DeleteNode{NodeID: "2"}},
			kinds:      []ConflictKind{ConflictSameTarget},
			message:    "Conflict on node:2: your 'update_node' vs concurrent 'delete_node'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(Input{
				CurrentData:    graph.ApplyAll(baseGraph(), tt.concurrent),
				CurrentVersion: 2,
				BaseVersion:    1,
				Incoming:       tt.incoming,
				Log:            []json.RawMessage{batch(t, tt.concurrent...)},
			})
			if res.Status != StatusConflict {
				t.Fatalf("expected conflict, got %s", res.Status)
			}
			if len(res.Conflicts) != len(tt.kinds) {
				t.Fatalf("expected %d conflicts, got %d: %+v", len(tt.kinds), len(res.Conflicts), res.Conflicts)
			}
			for i, k := range tt.kinds {
				if res.Conflicts[i].Kind != k {
					t.Errorf("conflict %d: expected %s, got %s", i, k, res.Conflicts[i].Kind)
				}
			}
			if res.Conflicts[0].Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, res.Conflicts[0].Message)
			}
		})
	}
}

func TestDetectDeleteTouchedReportsOnce(t *testing.T) {
	conflicts := Detect(
		[]graph.Operation{graph.DeleteNode{NodeID: "2"}},
		[]graph.Operation{
			graph.AddEdge{Edge: &graph.Edge{From: "2", To: "9"}},
			graph.DeleteEdge{From: "1", To: "2"},
		},
	)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if !strings.Contains(conflicts[0].Message, "'add_edge'") {
		t.Errorf("expected first touching op reported, got %q", conflicts[0].Message)
	}
}

func TestDetectIgnoresUnknownAndCorruptLog(t *testing.T) {
	res := Resolve(Input{
		CurrentData:    baseGraph(),
		CurrentVersion: 3,
		BaseVersion:    1,
		Incoming:       []graph.Operation{graph.NewUnknown("custom", nil)},
		Log: []json.RawMessage{
			json.RawMessage(`not json`),
			batch(t, graph.NewUnknown("custom", nil)),
		},
	})
	if res.Status != StatusMerged {
		t.Errorf("expected merged, got %s (%v)", res.Status, res.Conflicts)
	}
}

func TestConflictJSON(t *testing.T) {
	c := Conflict{
		Kind:     ConflictSameTarget,
		Incoming: graph.KindMoveNode,
		Target:   graph.NodeTarget("7"),
		Message:  "m",
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"target":"node:7"`) {
		t.Errorf("expected textual target, got %s", out)
	}
}
