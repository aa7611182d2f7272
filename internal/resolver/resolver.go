// Package resolver decides whether a batch of edits based on an older
// version can be merged into the current workflow.
package resolver

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// Status is the outcome of resolving a batch.
type Status string

const (
	// StatusApplied means the batch was based on the current version.
	StatusApplied Status = "applied"
	// StatusMerged means the batch was stale but touched nothing that
	// changed concurrently.
	StatusMerged Status = "merged"
	// StatusConflict means the batch was rejected.
	StatusConflict Status = "conflict"
)

// ConflictKind names the rule that produced a conflict.
type ConflictKind string

const (
	ConflictSameTarget        ConflictKind = "same_target"
	ConflictDeleteTouched     ConflictKind = "delete_touched"
	ConflictReferencesDeleted ConflictKind = "references_deleted"
)

// Conflict describes one incoming operation that cannot be merged.
type Conflict struct {
	Kind       ConflictKind    `json:"kind"`
	Incoming   graph.Kind      `json:"incoming"`
	Concurrent graph.Kind      `json:"concurrent,omitempty"`
	Target     graph.TargetKey `json:"-"`
	NodeID     string          `json:"node_id,omitempty"`
	Message    string          `json:"message"`
}

// MarshalJSON renders the target key in its textual form.
func (c Conflict) MarshalJSON() ([]byte, error) {
	type alias Conflict
	return json.Marshal(struct {
		alias
		Target string `json:"target"`
	}{alias: alias(c), Target: c.Target.String()})
}

// Input is everything the resolver needs. It never reads storage itself.
type Input struct {
	CurrentData    graph.Graph
	CurrentVersion int
	BaseVersion    int
	Incoming       []graph.Operation
	// Log holds the serialized batches committed after BaseVersion, oldest
	// first. Batches that fail to decode are skipped.
	Log []json.RawMessage
}

// Result is the resolver's decision.
type Result struct {
	Status    Status
	Version   int
	Data      graph.Graph
	Conflicts []Conflict
}

// Resolve decides the outcome for a batch. On applied or merged, Data is
// CurrentData with every incoming operation applied and Version is
// CurrentVersion+1. On conflict, Data and Version are left zero.
func Resolve(in Input) Result {
	if in.BaseVersion == in.CurrentVersion {
		return Result{
			Status:  StatusApplied,
			Version: in.CurrentVersion + 1,
			Data:    graph.ApplyAll(in.CurrentData, in.Incoming),
		}
	}

	concurrent := flatten(in.Log)
	if conflicts := Detect(in.Incoming, concurrent); len(conflicts) > 0 {
		return Result{Status: StatusConflict, Conflicts: conflicts}
	}

	return Result{
		Status:  StatusMerged,
		Version: in.CurrentVersion + 1,
		Data:    graph.ApplyAll(in.CurrentData, in.Incoming),
	}
}

// Detect checks incoming operations against operations committed
// concurrently. At most one conflict is reported per incoming operation
// for the same-target and delete-touched rules; the references-deleted
// rule reports every deleted node the operation touches.
func Detect(incoming, concurrent []graph.Operation) []Conflict {
	targets := make(map[graph.TargetKey]graph.Operation, len(concurrent))
	deleted := make(map[string]struct{})
	for _, op := range concurrent {
		targets[op.Target()] = op
		if del, ok := op.(graph.DeleteNode); ok {
			deleted[del.NodeID] = struct{}{}
		}
	}
	deletedIDs := make([]string, 0, len(deleted))
	for id := range deleted {
		deletedIDs = append(deletedIDs, id)
	}
	sort.Strings(deletedIDs)

	var conflicts []Conflict
	for _, op := range incoming {
		target := op.Target()
		if other, ok := targets[target]; ok {
			conflicts = append(conflicts, Conflict{
				Kind:       ConflictSameTarget,
				Incoming:   op.Kind(),
				Concurrent: other.Kind(),
				Target:     target,
				Message:    fmt.Sprintf("Conflict on %s: your '%s' vs concurrent '%s'", target, op.Kind(), other.Kind()),
			})
			continue
		}

		if del, ok := op.(graph.DeleteNode); ok {
			for _, other := range concurrent {
				if other.AffectedNodeIDs().Has(del.NodeID) {
					conflicts = append(conflicts, Conflict{
						Kind:       ConflictDeleteTouched,
						Incoming:   op.Kind(),
						Concurrent: other.Kind(),
						Target:     target,
						NodeID:     del.NodeID,
						Message:    fmt.Sprintf("Cannot delete node '%s': it was modified by a concurrent '%s' operation", del.NodeID, other.Kind()),
					})
					break
				}
			}
		}

		affected := op.AffectedNodeIDs()
		for _, id := range deletedIDs {
			if affected.Has(id) {
				conflicts = append(conflicts, Conflict{
					Kind:       ConflictReferencesDeleted,
					Incoming:   op.Kind(),
					Concurrent: graph.KindDeleteNode,
					Target:     target,
					NodeID:     id,
					Message:    fmt.Sprintf("Conflict: your '%s' references node '%s' which was deleted concurrently", op.Kind(), id),
				})
			}
		}
	}
	return conflicts
}

func flatten(log []json.RawMessage) []graph.Operation {
	var ops []graph.Operation
	for _, batch := range log {
		decoded, err := graph.UnmarshalOperations(batch)
		if err != nil {
			continue
		}
		ops = append(ops, decoded...)
	}
	return ops
}
