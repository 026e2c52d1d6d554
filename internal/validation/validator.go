// Package validation checks state machine definitions before they are built.
package validation

import (
	"github.com/rendis/conveyor/pkg/schema"
)

// Validator validates state machine definitions.
type Validator interface {
	ValidateDefinition(def *schema.StateMachineDefinition) error
}

// DefinitionValidator runs the validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (names, types, references)
//  3. Graph (reachability, success loops)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	factory    StateFactory
}

// NewDefinitionValidator creates a DefinitionValidator. factory may be nil
// to skip state type checks.
func NewDefinitionValidator(factory StateFactory) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, factory: factory}, nil
}

// Validate runs every stage and returns the aggregated result. Structural
// errors skip the later stages and semantic errors skip the graph stage.
func (v *DefinitionValidator) Validate(def *schema.StateMachineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "state machine definition is nil")
		return r
	}

	result := structuralResult(v.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.factory))
	if result.Valid() {
		result.Merge(validateGraph(def, v.factory))
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (v *DefinitionValidator) ValidateDefinition(def *schema.StateMachineDefinition) error {
	return v.Validate(def).ToError()
}

// ValidateDocument checks a raw JSON document against the definition schema.
func (v *DefinitionValidator) ValidateDocument(data []byte) *schema.ValidationResult {
	return structuralResult(v.jsonSchema.ValidateDocument(data))
}

// structuralResult converts a JSON Schema error into result issues.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	se, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}
