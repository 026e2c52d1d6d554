package engine

import (
	"context"
	"sync"

	"github.com/rendis/conveyor/internal/expressions"
	"github.com/rendis/conveyor/internal/machine"
	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// serviceVariableKey holds the PHASE_PARAM variable overrides in the context map.
const serviceVariableKey = "serviceVariable"

// errorStrategyKey lets a STANDARD element override the graph's error strategy.
const errorStrategyKey = "error_strategy"

// executionContext is the read-only view of one instance snapshot. A new
// context is built for every dispatch step; the context map is computed on
// first use and never changes afterwards.
type executionContext struct {
	inst      *store.StateExecutionInstance
	sm        *machine.StateMachine
	evaluator *expressions.Evaluator

	once       sync.Once
	contextMap map[string]any
}

var (
	_ states.ExecutionContext = (*executionContext)(nil)
	_ expressions.Scope       = (*executionContext)(nil)
)

func newExecutionContext(inst *store.StateExecutionInstance, sm *machine.StateMachine, ev *expressions.Evaluator) *executionContext {
	return &executionContext{inst: inst.Clone(), sm: sm, evaluator: ev}
}

func (c *executionContext) AppID() string                    { return c.inst.AppID }
func (c *executionContext) ExecutionUUID() string            { return c.inst.ExecutionUUID }
func (c *executionContext) ExecutionName() string            { return c.inst.ExecutionName }
func (c *executionContext) StateExecutionInstanceID() string { return c.inst.UUID }
func (c *executionContext) StateName() string                { return c.inst.StateName }
func (c *executionContext) ChildStateMachineID() string      { return c.inst.ChildStateMachineID }

func (c *executionContext) StateExecutionData() *store.StateExecutionData {
	return c.inst.CurrentStateExecutionData().Clone()
}

func (c *executionContext) StateExecutionDataFor(stateName string) *store.StateExecutionData {
	if c.inst.StateExecutionMap == nil {
		return nil
	}
	return c.inst.StateExecutionMap[stateName].Clone()
}

func (c *executionContext) ContextElement(t store.ContextElementType) (store.ContextElement, bool) {
	for _, e := range c.inst.TopDown() {
		if e.Type == t {
			return e.Clone(), true
		}
	}
	return store.ContextElement{}, false
}

// TopElement implements expressions.Scope.
func (c *executionContext) TopElement(t store.ContextElementType) (store.ContextElement, bool) {
	return c.ContextElement(t)
}

func (c *executionContext) ContextElements(t store.ContextElementType) []store.ContextElement {
	var out []store.ContextElement
	for _, e := range c.inst.TopDown() {
		if e.Type == t {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ContextMap returns the variables expressions evaluate against: recorded
// state data keyed by normalized state name, then element params from the
// oldest push to the newest, then PHASE_PARAM overrides under serviceVariable.
func (c *executionContext) ContextMap() map[string]any {
	c.once.Do(func() {
		m := make(map[string]any)
		for name, d := range c.inst.StateExecutionMap {
			if d != nil {
				m[expressions.NormalizeName(name)] = d.ToMap()
			}
		}

		overrides := map[string]any{}
		for _, e := range c.inst.BottomUp() {
			for k, v := range e.ParamMap() {
				m[k] = v
			}
			if e.Name == store.PhaseParamElementName {
				for k, v := range e.VariableOverrides {
					overrides[k] = v
				}
			}
		}
		if len(overrides) > 0 {
			m[serviceVariableKey] = overrides
		}
		c.contextMap = m
	})
	return c.contextMap
}

func (c *executionContext) RenderExpression(ctx context.Context, expression string) string {
	return c.evaluator.Render(ctx, expression, c.ContextMap(), expressions.NormalizeName(c.inst.StateName), c)
}

func (c *executionContext) EvaluateExpression(ctx context.Context, expression string) (any, error) {
	return c.evaluator.Resolve(ctx, expression, c.ContextMap(), expressions.NormalizeName(c.inst.StateName), c)
}

// ErrorStrategy returns the innermost STANDARD element's error_strategy when
// set, else the strategy of the instance's graph.
func (c *executionContext) ErrorStrategy() schema.ErrorStrategy {
	for _, e := range c.inst.TopDown() {
		if e.Type != store.ElementStandard {
			continue
		}
		if v, ok := e.Values[errorStrategyKey].(string); ok {
			if s := schema.ErrorStrategy(v); s.Valid() {
				return s
			}
		}
	}
	if c.sm == nil {
		return schema.ErrorStrategyFail
	}
	return c.sm.ErrorStrategy(c.inst.ChildStateMachineID)
}

func (c *executionContext) NewChildInstance() *store.StateExecutionInstance {
	return c.inst.CloneForSpawn()
}
