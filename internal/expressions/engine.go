package expressions

import "context"

// Engine evaluates expressions against a data map. ExprEngine resolves
// ${...} references and backs the expr state, CELEngine backs conditions
// and guards, GoJQEngine backs transforms.
type Engine interface {
	Name() string
	// Compile checks expression and caches its program without running it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
