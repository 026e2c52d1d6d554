package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conveyor/pkg/schema"
)

const definitionSchemaURL = "https://conveyor.dev/schemas/state-machine.json"

// definitionSchemaJSON describes a StateMachineDefinition document. Child
// machines reuse the machine shape but may be empty.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyor.dev/schemas/state-machine.json",
  "$ref": "#/$defs/machine",
  "required": ["id", "initial_state", "states"],
  "properties": {
    "states": { "type": "array", "minItems": 1 }
  },
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "machine": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "app_id": { "type": "string" },
        "name": { "type": "string" },
        "initial_state": { "type": "string" },
        "error_strategy": {
          "type": "string",
          "enum": ["FAIL", "PAUSE"]
        },
        "rollback_state": { "type": "string" },
        "states": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/state" }
        },
        "transitions": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/transition" }
        },
        "child_machines": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/machine" }
        }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "timeout": { "$ref": "#/$defs/duration" },
        "params": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "on": {
          "type": "string",
          "enum": ["success", "failure"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of a definition document
// against JSON Schema draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// ValidateDefinition validates a typed definition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.StateMachineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "state machine definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize state machine definition").WithCause(err)
	}
	return v.validateValue(doc)
}

// ValidateDocument validates a raw JSON document before it is decoded, so
// unknown fields are reported instead of silently dropped.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	return v.validateValue(doc)
}

func (v *JSONSchemaValidator) validateValue(doc any) error {
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// carrying one violation per failing leaf.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the error tree and returns "location: message"
// for every leaf.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
