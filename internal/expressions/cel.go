package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/conveyor/pkg/schema"
)

// CEL activation variables.
const (
	celContext = "context" // map(string, dyn): the instance's context map
	celState   = "state"   // map(string, dyn): the current state's execution data
	celStatus  = "status"  // string: the status the state just reported
)

// CELEngine evaluates CEL predicates for condition states and guard advisors.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CELEngine whose environment declares context,
// state and status.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(celContext, mapType),
		cel.Variable(celState, mapType),
		cel.Variable(celStatus, cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]("cel", DefaultProgramCacheSize)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.programs.get(expression, e.compile)
	return err
}

// Evaluate runs expression against data. Missing variables are bound to
// their zero value.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL expression %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"engine": e.Name(), "expression": expression})
	}
	return b, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return e.env.Program(ast)
}

func celActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		celContext: map[string]any{},
		celState:   map[string]any{},
		celStatus:  "",
	}
	for key := range activation {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
