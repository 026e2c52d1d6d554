package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. Programs compile without a
// typed environment since every instance has its own context map; unknown
// variables evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]("expr", DefaultProgramCacheSize)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.programs.get(expression, compileExpr)
	return err
}

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

func compileExpr(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.AllowUndefinedVariables())
}

var _ Engine = (*ExprEngine)(nil)
