// Package validator provides JSON schema validation for pipeline graph
// submissions at the transport boundary. Structural rules (cycles, dangling
// edges, stage resolution) live in the graph package; this layer only
// rejects malformed payloads before they are decoded.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates pipeline graph and run request payloads.
type Validator struct {
	graphSchema      *jsonschema.Schema
	runRequestSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	if err := compiler.AddResource("run_request.json", strings.NewReader(runRequestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add run request schema: %w", err)
	}

	graphSchema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	runRequestSchema, err := compiler.Compile("run_request.json")
	if err != nil {
		return nil, fmt.Errorf("compile run request schema: %w", err)
	}

	return &Validator{
		graphSchema:      graphSchema,
		runRequestSchema: runRequestSchema,
	}, nil
}

// ValidateGraph validates a decoded pipeline graph payload.
func (v *Validator) ValidateGraph(graph map[string]interface{}) *ValidationResult {
	return v.validate(v.graphSchema, graph)
}

// ValidateRunRequest validates a decoded run submission payload.
func (v *Validator) ValidateRunRequest(req map[string]interface{}) *ValidationResult {
	return v.validate(v.runRequestSchema, req)
}

// ValidateGraphJSON validates a JSON-encoded pipeline graph.
func (v *Validator) ValidateGraphJSON(data []byte) *ValidationResult {
	var graph map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return invalidJSON(err)
	}
	return v.ValidateGraph(graph)
}

// ValidateRunRequestJSON validates a JSON-encoded run submission.
func (v *Validator) ValidateRunRequestJSON(data []byte) *ValidationResult {
	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidJSON(err)
	}
	return v.ValidateRunRequest(req)
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

// Embedded JSON schemas

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Pipeline Graph",
  "description": "Schema for pipeline graph submissions",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": {
      "type": "string",
      "description": "Optional pipeline name"
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
            "description": "Node identifier, unique within the graph"
          },
          "type": {
            "type": "string",
            "minLength": 1,
            "description": "Stage type resolved against the registry"
          },
          "label": {
            "type": "string",
            "description": "Display name from the editor"
          },
          "config": {
            "type": "object",
            "description": "Stage-specific configuration"
          }
        }
      },
      "description": "Stages placed on the canvas"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {
            "type": "string",
            "description": "Upstream node ID"
          },
          "target": {
            "type": "string",
            "description": "Downstream node ID"
          }
        }
      },
      "description": "Data flow edges"
    }
  }
}`

const runRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "run_request.json",
  "title": "Run Request",
  "description": "Schema for run submissions",
  "type": "object",
  "anyOf": [
    {"required": ["graph"]},
    {"required": ["pipeline_id"]}
  ],
  "properties": {
    "name": {
      "type": "string",
      "description": "Optional run name"
    },
    "graph": {"$ref": "graph.json"},
    "pipeline_id": {
      "type": "string",
      "minLength": 1,
      "description": "ID of a saved pipeline to run instead of an inline graph"
    },
    "dataset_id": {
      "type": "string",
      "description": "ID of a previously uploaded dataset"
    },
    "auto_start": {
      "type": "boolean",
      "description": "Start execution immediately after creation"
    }
  }
}`
