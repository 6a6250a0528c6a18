package thought

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks externally submitted thought payloads against per-kind
// JSON Schemas. Internally generated thoughts skip validation; the boundary
// only guards input the runtime does not control.
type Validator struct {
	schemas map[Kind]*jsonschema.Schema
}

// kindSchemas declares the payload shape accepted from external sources.
// Kinds without domain fields accept any object.
var kindSchemas = map[Kind]string{
	KindAlert: `{
		"type": "object",
		"properties": {
			"alert_type": {"type": "string"},
			"type": {"type": "string"},
			"severity": {"type": "string", "enum": ["info", "warning", "critical"]},
			"message": {"type": "string"},
			"details": {"type": "object"}
		},
		"required": ["severity", "message"]
	}`,
	KindMemoryRequest: `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["store", "recall", "forget", "reinforce"]},
			"content": {},
			"query": {"type": "string"},
			"memory_id": {"type": "string"},
			"importance": {"type": "number", "minimum": 0, "maximum": 1},
			"memory_type": {"type": "string"}
		},
		"required": ["action"]
	}`,
	KindGoalUpdate: `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["create", "update_status", "update_progress", "decompose"]},
			"goal_id": {"type": "string"},
			"status": {"type": "string"},
			"progress": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["action"]
	}`,
	KindLearningEvent: `{
		"type": "object",
		"properties": {
			"decision_id": {"type": "string"},
			"action_type": {"type": "string"},
			"expected": {"type": "object"},
			"actual": {"type": "object"},
			"context": {"type": "object"}
		},
		"required": ["action_type"]
	}`,
	KindPrediction: `{"type": "object"}`,
	KindReasoningRequest: `{
		"type": "object",
		"properties": {
			"context": {"type": "string"},
			"options": {"type": "array", "items": {"type": "string"}},
			"urgency": {"type": "string"}
		},
		"required": ["context"]
	}`,
	KindOptimizationRequest: `{"type": "object"}`,
	KindExternal:            `{"type": "object"}`,
}

// NewValidator compiles the payload schemas for every routable kind.
func NewValidator() (*Validator, error) {
	schemas := make(map[Kind]*jsonschema.Schema, len(kindSchemas))
	for kind, raw := range kindSchemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks the payload against the schema for its kind. Terminal
// kinds are rejected outright: external callers cannot submit acknowledgment
// records.
func (v *Validator) Validate(kind Kind, payload map[string]any) error {
	if kind.Terminal() {
		return fmt.Errorf("kind %s is not accepted from external sources", kind)
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown thought kind %q", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(normalize(payload)); err != nil {
		return fmt.Errorf("payload for %s: %w", kind, err)
	}
	return nil
}

// normalize round-trips the payload through JSON so schema validation sees
// the same value shapes (float64 numbers, []any arrays) it would for wire
// input. Values that cannot marshal are passed through untouched and fail
// schema type checks on their own.
func normalize(payload map[string]any) any {
	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return payload
	}
	return doc
}
