package states

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/conveyor/internal/expressions"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// ExecutionEventType tells an advisor which point of a step it is looking at.
type ExecutionEventType string

const (
	EventBeforeExecute ExecutionEventType = "BEFORE_EXECUTE"
	EventAfterExecute  ExecutionEventType = "AFTER_EXECUTE"
)

// ExecutionEvent is what the executor hands to advisors.
type ExecutionEvent struct {
	Type ExecutionEventType
	// Status is the status the step completed with. Empty before execute.
	Status  schema.ExecutionStatus
	Context ExecutionContext
	// ActiveInterrupts are the run-level interrupts in force.
	ActiveInterrupts []*store.ExecutionInterrupt
	// RollbackState is the rollback state of the instance's graph, if any.
	RollbackState string
	// InRollback is set when the instance already belongs to a rollback leg.
	InRollback bool
}

// HasInterrupt reports whether an interrupt of type t is active.
func (e ExecutionEvent) HasInterrupt(t schema.InterruptType) bool {
	for _, i := range e.ActiveInterrupts {
		if i.Type == t {
			return true
		}
	}
	return false
}

// ExecutionEventAdvice redirects or ends a branch.
type ExecutionEventAdvice struct {
	// NextStateName overrides the transition target.
	NextStateName string
	// Rollback marks the next instance as part of a rollback leg.
	Rollback bool
	// Interrupt is one of END_EXECUTION, MARK_SUCCESS or MARK_FAILED.
	Interrupt schema.InterruptType
}

// ExecutionEventAdvisor is consulted before and after each step of a branch.
// A nil advice leaves the step alone.
type ExecutionEventAdvisor interface {
	OnExecutionEvent(ctx context.Context, event ExecutionEvent) (*ExecutionEventAdvice, error)
}

// --- rollback ---

// RollbackAdvisorType is the registry tag of the rollback advisor.
const RollbackAdvisorType = "rollback"

// RollbackAdvisor redirects a completed step into the rollback state while
// a ROLLBACK interrupt is active for the run.
type RollbackAdvisor struct{}

func (RollbackAdvisor) OnExecutionEvent(_ context.Context, ev ExecutionEvent) (*ExecutionEventAdvice, error) {
	if ev.Type != EventAfterExecute || ev.InRollback || ev.RollbackState == "" {
		return nil, nil
	}
	if !ev.HasInterrupt(schema.InterruptRollback) {
		return nil, nil
	}
	if ev.Context != nil && ev.Context.StateName() == ev.RollbackState {
		return nil, nil
	}
	return &ExecutionEventAdvice{NextStateName: ev.RollbackState, Rollback: true}, nil
}

// --- guard ---

// GuardAdvisorType is the registry tag of the guard advisor.
const GuardAdvisorType = "guard"

// guardAdvisor evaluates a CEL predicate over {context, state, status} and
// gives its advice when the predicate holds.
type guardAdvisor struct {
	cel       *expressions.CELEngine
	when      string
	on        ExecutionEventType
	states    map[string]bool
	nextState string
	interrupt schema.InterruptType
}

func newGuardAdvisorFactory(cel *expressions.CELEngine) AdvisorFactory {
	return func(params map[string]any) (ExecutionEventAdvisor, error) {
		g := &guardAdvisor{
			cel:       cel,
			when:      stringParam(params, "when", ""),
			nextState: stringParam(params, "next_state", ""),
			interrupt: schema.InterruptType(strings.ToUpper(stringParam(params, "interrupt", ""))),
			on:        EventAfterExecute,
		}
		if g.when == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "guard advisor requires 'when'")
		}
		switch strings.ToLower(stringParam(params, "on", "after")) {
		case "before":
			g.on = EventBeforeExecute
		case "after":
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "guard advisor: 'on' must be before or after")
		}
		switch g.interrupt {
		case "", schema.InterruptEndExecution, schema.InterruptMarkSuccess, schema.InterruptMarkFailed:
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "guard advisor: unsupported interrupt %q", g.interrupt)
		}
		if g.nextState == "" && g.interrupt == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "guard advisor needs 'next_state' or 'interrupt'")
		}
		if list, err := toList(params["states"]); err == nil && len(list) > 0 {
			g.states = make(map[string]bool, len(list))
			for _, s := range list {
				g.states[fmt.Sprint(s)] = true
			}
		}
		return g, nil
	}
}

func (g *guardAdvisor) OnExecutionEvent(ctx context.Context, ev ExecutionEvent) (*ExecutionEventAdvice, error) {
	if ev.Type != g.on || ev.Context == nil {
		return nil, nil
	}
	if g.states != nil && !g.states[ev.Context.StateName()] {
		return nil, nil
	}
	ok, err := g.cel.EvaluateBool(ctx, g.when, celData(ev.Context, ev.Status))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &ExecutionEventAdvice{NextStateName: g.nextState, Interrupt: g.interrupt}, nil
}
