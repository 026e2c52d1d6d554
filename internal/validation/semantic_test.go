package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/pkg/schema"
)

func newTestRegistry(t *testing.T) *states.Registry {
	t.Helper()
	reg := states.NewRegistry()
	require.NoError(t, states.RegisterBuiltins(reg, states.Dependencies{}))
	return reg
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// pipeline is a definition exercising every reference kind.
func pipeline() *schema.StateMachineDefinition {
	return &schema.StateMachineDefinition{
		ID:            "deploy",
		AppID:         "billing",
		InitialState:  "Build",
		RollbackState: "Rollback",
		States: []schema.StateDefinition{
			{Name: "Build", Type: schema.StateTypeNoop},
			{Name: "Fan out", Type: schema.StateTypeFork, Params: mustJSON(map[string]any{
				"branches": []map[string]any{
					{"name": "eu", "child_machine": "region"},
					{"name": "smoke", "state": "Smoke"},
				},
			})},
			{Name: "Smoke", Type: schema.StateTypeNoop},
			{Name: "Verify", Type: schema.StateTypeNoop, Timeout: "10m"},
			{Name: "Rollback", Type: schema.StateTypeNoop},
		},
		Transitions: []schema.TransitionDefinition{
			{From: "Build", To: "Fan out"},
			{From: "Fan out", To: "Verify"},
			{From: "Fan out", To: "Rollback", On: schema.TransitionFailure},
		},
		ChildMachines: []schema.StateMachineDefinition{
			{
				ID:           "region",
				InitialState: "Deploy region",
				States: []schema.StateDefinition{
					{Name: "Deploy region", Type: schema.StateTypeRepeat, Params: mustJSON(map[string]any{
						"elements": "${zones}",
						"state":    "Deploy zone",
					})},
					{Name: "Deploy zone", Type: schema.StateTypeNoop},
				},
			},
		},
	}
}

func errorPaths(r *schema.ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Path)
	}
	return out
}

func TestSemantic_ValidPipeline(t *testing.T) {
	result := validateSemantic(pipeline(), newTestRegistry(t))
	assert.True(t, result.Valid(), "%v", result.Errors)
}

func TestSemantic_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.StateMachineDefinition)
		path   string
		code   string
		msg    string
	}{
		{"duplicate state", func(d *schema.StateMachineDefinition) {
			d.States = append(d.States, schema.StateDefinition{Name: "Build", Type: schema.StateTypeNoop})
		}, "states[5].name", schema.ErrCodeValidation, `duplicate state "Build"`},
		{"unknown type", func(d *schema.StateMachineDefinition) {
			d.States[0].Type = "terraform"
		}, "states[0].type", schema.ErrCodeInvalidArgument, `"terraform" not registered`},
		{"bad params", func(d *schema.StateMachineDefinition) {
			d.States[0].Type = schema.StateTypeExpr
		}, "states[0].params", schema.ErrCodeValidation, "expr requires an expression"},
		{"bad timeout", func(d *schema.StateMachineDefinition) {
			d.States[3].Timeout = "-5m"
		}, "states[3].timeout", schema.ErrCodeValidation, "invalid timeout"},
		{"missing initial state", func(d *schema.StateMachineDefinition) {
			d.InitialState = "Plan"
		}, "initial_state", schema.ErrCodeValidation, `initial state "Plan" not defined`},
		{"missing rollback state", func(d *schema.StateMachineDefinition) {
			d.RollbackState = "Undo"
		}, "rollback_state", schema.ErrCodeValidation, `rollback state "Undo" not defined`},
		{"transition from unknown", func(d *schema.StateMachineDefinition) {
			d.Transitions[0].From = "Plan"
		}, "transitions[0].from", schema.ErrCodeValidation, "unknown state"},
		{"transition to unknown", func(d *schema.StateMachineDefinition) {
			d.Transitions[1].To = "Done"
		}, "transitions[1].to", schema.ErrCodeValidation, "unknown state"},
		{"two success edges", func(d *schema.StateMachineDefinition) {
			d.Transitions = append(d.Transitions, schema.TransitionDefinition{From: "Build", To: "Verify"})
		}, "transitions[3]", schema.ErrCodeValidation, "two success transitions"},
		{"unknown error strategy", func(d *schema.StateMachineDefinition) {
			d.ChildMachines[0].ErrorStrategy = "IGNORE"
		}, "child_machines[0].error_strategy", schema.ErrCodeValidation, "unknown error strategy"},
		{"child initial state", func(d *schema.StateMachineDefinition) {
			d.ChildMachines[0].InitialState = ""
		}, "child_machines[0].initial_state", schema.ErrCodeValidation, "not defined"},
		{"duplicate child id", func(d *schema.StateMachineDefinition) {
			d.ChildMachines = append(d.ChildMachines, schema.StateMachineDefinition{ID: "region"})
		}, "child_machines[1].id", schema.ErrCodeValidation, `duplicate machine id "region"`},
		{"child reuses root id", func(d *schema.StateMachineDefinition) {
			d.ChildMachines[0].ChildMachines = []schema.StateMachineDefinition{{ID: "deploy"}}
		}, "child_machines[0].child_machines[0].id", schema.ErrCodeValidation, "duplicate machine id"},
		{"fork to unknown state", func(d *schema.StateMachineDefinition) {
			d.States[2].Name = "Smoke test"
		}, "states[1].params", schema.ErrCodeValidation, `spawns unknown state "Smoke"`},
		{"fork to unknown child", func(d *schema.StateMachineDefinition) {
			d.ChildMachines[0].ID = "regions"
		}, "states[1].params", schema.ErrCodeValidation, `spawns unknown child machine "region"`},
		{"repeat to unknown state", func(d *schema.StateMachineDefinition) {
			d.ChildMachines[0].States[1].Name = "Zone"
		}, "child_machines[0].states[0].params", schema.ErrCodeValidation, `spawns unknown state "Deploy zone"`},
	}

	reg := newTestRegistry(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := pipeline()
			tc.mutate(def)
			result := validateSemantic(def, reg)
			require.False(t, result.Valid())

			var found bool
			for _, e := range result.Errors {
				if e.Path == tc.path {
					found = true
					assert.Equal(t, tc.code, e.Code)
					assert.Contains(t, e.Message, tc.msg)
				}
			}
			assert.True(t, found, "no error at %s in %v", tc.path, errorPaths(result))
		})
	}
}

func TestSemantic_ForkCannotTargetRoot(t *testing.T) {
	def := pipeline()
	def.States[1].Params = mustJSON(map[string]any{
		"branches": []map[string]any{{"name": "self", "child_machine": "deploy"}},
	})
	result := validateSemantic(def, newTestRegistry(t))
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, `unknown child machine "deploy"`)
}

func TestSemantic_NilFactorySkipsTypeChecks(t *testing.T) {
	def := pipeline()
	def.States[0].Type = "terraform"
	def.States[1].Name = "Fan"
	def.Transitions = nil

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid(), "%v", result.Errors)
}

func TestSemantic_CollectsEveryError(t *testing.T) {
	def := pipeline()
	def.InitialState = "Plan"
	def.RollbackState = "Undo"
	def.States[0].Type = "terraform"

	result := validateSemantic(def, newTestRegistry(t))
	assert.Len(t, result.Errors, 3)
}

func TestSemantic_EmptyChildMachine(t *testing.T) {
	def := pipeline()
	def.ChildMachines = append(def.ChildMachines, schema.StateMachineDefinition{ID: "empty"})
	result := validateSemantic(def, newTestRegistry(t))
	assert.True(t, result.Valid(), "a child machine without states is allowed")
}

func TestGraph_Clean(t *testing.T) {
	result := validateGraph(pipeline(), newTestRegistry(t))
	assert.Empty(t, result.Warnings)
}

func TestGraph_UnreachableState(t *testing.T) {
	def := pipeline()
	def.States = append(def.States, schema.StateDefinition{Name: "Orphan", Type: schema.StateTypeNoop})
	def.ChildMachines[0].States = append(def.ChildMachines[0].States, schema.StateDefinition{Name: "Stray", Type: schema.StateTypeNoop})

	result := validateGraph(def, newTestRegistry(t))
	require.Len(t, result.Warnings, 2)
	assert.Equal(t, "states[5]", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, `"Orphan"`)
	assert.Equal(t, "child_machines[0].states[2]", result.Warnings[1].Path)
}

func TestGraph_SpawnTargetsAreReachable(t *testing.T) {
	// Without the registry the fork branch into Smoke is invisible.
	result := validateGraph(pipeline(), nil)
	require.NotEmpty(t, result.Warnings)
	var msgs []string
	for _, w := range result.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, strings.Join(msgs, "\n"), `"Smoke"`)
}

func TestGraph_SuccessLoop(t *testing.T) {
	def := pipeline()
	def.Transitions = append(def.Transitions, schema.TransitionDefinition{From: "Verify", To: "Build"})

	result := validateGraph(def, newTestRegistry(t))
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "transitions", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, "[Build Fan out Verify]")
}

func TestGraph_FailureLoopIsFine(t *testing.T) {
	def := pipeline()
	def.Transitions = append(def.Transitions, schema.TransitionDefinition{From: "Rollback", To: "Build"})
	// Rollback -> Build -> Fan out -(failure)-> Rollback only loops through a failure edge.
	result := validateGraph(def, newTestRegistry(t))
	assert.Empty(t, result.Warnings)
}
