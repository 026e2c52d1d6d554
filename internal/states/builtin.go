package states

import (
	"github.com/rendis/conveyor/internal/expressions"
	"github.com/rendis/conveyor/pkg/schema"
)

// Dependencies are the engines the builtin states need.
type Dependencies struct {
	CEL  *expressions.CELEngine
	JQ   *expressions.GoJQEngine
	HTTP HTTPConfig
}

// RegisterBuiltins registers all built-in states and advisors in the given registry.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return err
		}
		deps.CEL = cel
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}

	factories := map[string]Factory{
		schema.StateTypeNoop:      newNoopState,
		schema.StateTypePause:     newPauseState,
		schema.StateTypeWait:      newWaitState,
		schema.StateTypeFork:      newForkState,
		schema.StateTypeRepeat:    newRepeatState,
		schema.StateTypeExpr:      newExprState,
		schema.StateTypeCondition: newConditionFactory(deps.CEL),
		schema.StateTypeTransform: newTransformFactory(deps.JQ),
		schema.StateTypeHTTP:      newHTTPFactory(deps.HTTP),
	}
	for typ, f := range factories {
		if err := reg.Register(typ, f); err != nil {
			return err
		}
	}

	if err := reg.RegisterAdvisor(RollbackAdvisorType, func(map[string]any) (ExecutionEventAdvisor, error) {
		return RollbackAdvisor{}, nil
	}); err != nil {
		return err
	}
	return reg.RegisterAdvisor(GuardAdvisorType, newGuardAdvisorFactory(deps.CEL))
}

// Spawner is implemented by states that start child branches. Machine
// construction uses it to check that every target exists.
type Spawner interface {
	Targets() (stateNames, childMachines []string)
}
