package states

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

func rollbackInterrupt() []*store.ExecutionInterrupt {
	return []*store.ExecutionInterrupt{{UUID: "i-1", ExecutionUUID: "run-1", Type: schema.InterruptRollback}}
}

func TestRollbackAdvisor(t *testing.T) {
	ctx := context.Background()
	ec := newFakeContext("Deploy", nil)
	adv := RollbackAdvisor{}

	tests := []struct {
		name   string
		event  ExecutionEvent
		advice *ExecutionEventAdvice
	}{
		{
			name:   "redirects after a step",
			event:  ExecutionEvent{Type: EventAfterExecute, Status: schema.StatusSuccess, Context: ec, ActiveInterrupts: rollbackInterrupt(), RollbackState: "Rollback"},
			advice: &ExecutionEventAdvice{NextStateName: "Rollback", Rollback: true},
		},
		{
			name:  "no active rollback",
			event: ExecutionEvent{Type: EventAfterExecute, Status: schema.StatusSuccess, Context: ec, RollbackState: "Rollback"},
		},
		{
			name:  "before execute",
			event: ExecutionEvent{Type: EventBeforeExecute, Context: ec, ActiveInterrupts: rollbackInterrupt(), RollbackState: "Rollback"},
		},
		{
			name:  "already rolling back",
			event: ExecutionEvent{Type: EventAfterExecute, Context: ec, ActiveInterrupts: rollbackInterrupt(), RollbackState: "Rollback", InRollback: true},
		},
		{
			name:  "graph without rollback state",
			event: ExecutionEvent{Type: EventAfterExecute, Context: ec, ActiveInterrupts: rollbackInterrupt()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advice, err := adv.OnExecutionEvent(ctx, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.advice, advice)
		})
	}
}

func TestGuardAdvisor(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	adv, err := reg.NewAdvisor(store.AdvisorRef{Type: GuardAdvisorType, Params: map[string]any{
		"when":       `status == "FAILED" && context.env == "prod"`,
		"next_state": "Page oncall",
	}})
	require.NoError(t, err)

	prod := newFakeContext("Deploy", map[string]any{"env": "prod"})
	advice, err := adv.OnExecutionEvent(ctx, ExecutionEvent{Type: EventAfterExecute, Status: schema.StatusFailed, Context: prod})
	require.NoError(t, err)
	require.NotNil(t, advice)
	assert.Equal(t, "Page oncall", advice.NextStateName)

	advice, err = adv.OnExecutionEvent(ctx, ExecutionEvent{Type: EventAfterExecute, Status: schema.StatusSuccess, Context: prod})
	require.NoError(t, err)
	assert.Nil(t, advice)

	advice, err = adv.OnExecutionEvent(ctx, ExecutionEvent{Type: EventBeforeExecute, Context: prod})
	require.NoError(t, err)
	assert.Nil(t, advice, "after-execute guard ignores before events")
}

func TestGuardAdvisor_BeforeWithInterrupt(t *testing.T) {
	reg := newTestRegistry(t)
	adv, err := reg.NewAdvisor(store.AdvisorRef{Type: GuardAdvisorType, Params: map[string]any{
		"when":      `context.skip == true`,
		"on":        "before",
		"interrupt": "mark_success",
		"states":    []any{"Smoke test"},
	}})
	require.NoError(t, err)
	ctx := context.Background()

	advice, err := adv.OnExecutionEvent(ctx, ExecutionEvent{Type: EventBeforeExecute, Context: newFakeContext("Smoke test", map[string]any{"skip": true})})
	require.NoError(t, err)
	require.NotNil(t, advice)
	assert.Equal(t, schema.InterruptMarkSuccess, advice.Interrupt)

	advice, err = adv.OnExecutionEvent(ctx, ExecutionEvent{Type: EventBeforeExecute, Context: newFakeContext("Deploy", map[string]any{"skip": true})})
	require.NoError(t, err)
	assert.Nil(t, advice, "state filter")
}

func TestGuardAdvisor_InvalidParams(t *testing.T) {
	reg := newTestRegistry(t)
	tests := map[string]map[string]any{
		"missing when":   {"next_state": "X"},
		"missing target": {"when": "true"},
		"bad on":         {"when": "true", "next_state": "X", "on": "during"},
		"bad interrupt":  {"when": "true", "interrupt": "ABORT"},
	}
	for name, params := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := reg.NewAdvisor(store.AdvisorRef{Type: GuardAdvisorType, Params: params})
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}
