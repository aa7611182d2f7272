// Package validator provides JSON schema validation for workflow documents
// and operation batches.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// Validator validates workflow graphs and operation batches.
type Validator struct {
	graphSchema      *jsonschema.Schema
	operationsSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation. Warnings never make a
// document invalid.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	if err := compiler.AddResource("operations.json", strings.NewReader(operationsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add operations schema: %w", err)
	}

	graphSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	operationsSchema, err := compiler.Compile("operations.json")
	if err != nil {
		return nil, fmt.Errorf("compile operations schema: %w", err)
	}

	return &Validator{
		graphSchema:      graphSchema,
		operationsSchema: operationsSchema,
	}, nil
}

// ValidateGraph validates a decoded workflow graph. Duplicate node ids are
// errors. Orphaned edges and unusual start/end counts are reported as
// warnings.
func (v *Validator) ValidateGraph(g graph.Graph) *ValidationResult {
	data, err := json.Marshal(g)
	if err != nil {
		return invalidJSON(err)
	}
	result := v.ValidateGraphJSON(data)
	if !result.Valid {
		return result
	}
	if dups := duplicateNodeIDs(g); len(dups) > 0 {
		return &ValidationResult{Valid: false, Errors: dups}
	}
	result.Warnings = graphWarnings(g)
	return result
}

// ValidateGraphJSON validates a JSON-encoded workflow document.
func (v *Validator) ValidateGraphJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidJSON(err)
	}
	return v.validate(v.graphSchema, doc)
}

// ValidateOperationsJSON checks the envelope of an operation batch. Payload
// fields are not checked here; incomplete operations apply as no-ops.
func (v *Validator) ValidateOperationsJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidJSON(err)
	}
	return v.validate(v.operationsSchema, doc)
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		},
	}
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	// Convert validation errors
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// duplicateNodeIDs reports every node whose id was already used by an
// earlier node.
func duplicateNodeIDs(g graph.Graph) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if seen[n.ID] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/nodes/%d/id", i),
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
			continue
		}
		seen[n.ID] = true
	}
	return errs
}

func graphWarnings(g graph.Graph) []ValidationError {
	var warnings []ValidationError

	for _, e := range g.OrphanedEdges() {
		warnings = append(warnings, ValidationError{
			Path:    "/edges",
			Message: fmt.Sprintf("edge %s references a missing node", e.Key()),
		})
	}

	starts, ends := 0, 0
	for _, n := range g.Nodes {
		switch n.Type {
		case graph.NodeStart:
			starts++
		case graph.NodeEnd:
			ends++
		}
	}
	if len(g.Nodes) > 0 && starts != 1 {
		warnings = append(warnings, ValidationError{
			Path:    "/nodes",
			Message: fmt.Sprintf("expected exactly one start node, found %d", starts),
		})
	}
	if len(g.Nodes) > 0 && ends == 0 {
		warnings = append(warnings, ValidationError{
			Path:    "/nodes",
			Message: "expected at least one end node",
		})
	}

	return warnings
}

// Embedded JSON schemas

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Graph",
  "description": "Schema for collaborative workflow documents",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "label", "type"],
        "properties": {
          "id": {
            "type": "string",
            "minLength": 1,
            "description": "Node identifier, unique within the graph"
          },
          "label": {
            "type": "string",
            "description": "Display label"
          },
          "type": {
            "type": "string",
            "enum": ["start", "process", "decision", "end"],
            "description": "Node kind"
          },
          "position": {
            "type": "object",
            "required": ["x", "y"],
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          }
        }
      },
      "description": "Workflow nodes"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {
            "type": "string",
            "minLength": 1,
            "description": "Source node ID"
          },
          "to": {
            "type": "string",
            "minLength": 1,
            "description": "Destination node ID"
          }
        }
      },
      "description": "Directed edges between nodes"
    }
  }
}`

const operationsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "operations.json",
  "title": "Operation Batch",
  "description": "Schema for submitted workflow operation batches",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["op_type"],
    "properties": {
      "op_type": {
        "type": "string",
        "minLength": 1,
        "description": "Operation kind"
      },
      "payload": {
        "type": "object",
        "description": "Kind-specific fields"
      }
    }
  }
}`
