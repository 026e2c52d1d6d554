package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func TestDefinitionValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*DefinitionValidator)(nil)
}

func TestDefinitionValidator_Valid(t *testing.T) {
	v, err := NewDefinitionValidator(newTestRegistry(t))
	require.NoError(t, err)

	result := v.Validate(pipeline())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateDefinition(pipeline()))
}

func TestDefinitionValidator_Nil(t *testing.T) {
	v, err := NewDefinitionValidator(nil)
	require.NoError(t, err)

	result := v.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestDefinitionValidator_StructuralShortCircuits(t *testing.T) {
	v, err := NewDefinitionValidator(newTestRegistry(t))
	require.NoError(t, err)

	def := pipeline()
	def.ID = ""
	def.States[0].Type = "terraform"
	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeInvalidArgument, e.Code, "semantic stage must not run")
		assert.Equal(t, "/", e.Path)
	}
}

func TestDefinitionValidator_SemanticErrorsSkipGraph(t *testing.T) {
	v, err := NewDefinitionValidator(newTestRegistry(t))
	require.NoError(t, err)

	def := pipeline()
	def.InitialState = "Plan"
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Empty(t, result.Warnings, "graph stage must not run")
}

func TestDefinitionValidator_WarningsKeepValid(t *testing.T) {
	v, err := NewDefinitionValidator(newTestRegistry(t))
	require.NoError(t, err)

	def := pipeline()
	def.States = append(def.States, schema.StateDefinition{Name: "Orphan", Type: schema.StateTypeNoop})
	result := v.Validate(def)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
	assert.NoError(t, result.ToError())
}

func TestDefinitionValidator_ToError(t *testing.T) {
	v, err := NewDefinitionValidator(newTestRegistry(t))
	require.NoError(t, err)

	def := pipeline()
	def.InitialState = "Plan"
	def.RollbackState = "Undo"
	err = v.ValidateDefinition(def)
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	assert.Equal(t, "validation failed with 2 errors", se.Message)
	assert.Equal(t, 2, se.Details["error_count"])
}

func TestDefinitionValidator_ValidateDocument(t *testing.T) {
	v, err := NewDefinitionValidator(nil)
	require.NoError(t, err)

	doc := []byte(`{"id":"deploy","initial_state":"Build","states":[{"name":"Build","type":"noop"}],"steps":[]}`)
	result := v.ValidateDocument(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "steps")
}
