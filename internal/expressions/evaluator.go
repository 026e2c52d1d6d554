package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/conveyor/pkg/schema"
)

const maxResolveDepth = 8

var (
	variablePattern = regexp.MustCompile(`\$\{[^{}]*\}`)
	wildCharPattern = regexp.MustCompile(`[+|*/\\ &$"'.]`)
	argsCharPattern = regexp.MustCompile(`[()"']`)
)

// NormalizeName makes a state name usable as an expression variable.
func NormalizeName(name string) string {
	return wildCharPattern.ReplaceAllString(name, "__")
}

// HasReferences reports whether s contains a ${...} reference.
func HasReferences(s string) bool {
	return variablePattern.MatchString(s)
}

// Evaluator resolves ${...} references against a context map. References
// whose top-level object is not in the map are offered to the registered
// processor factories, then fall back to the default prefix (the evaluating
// state's normalized name).
type Evaluator struct {
	engine    *ExprEngine
	factories []ProcessorFactory
}

// NewEvaluator creates an Evaluator over engine.
func NewEvaluator(engine *ExprEngine, factories ...ProcessorFactory) *Evaluator {
	return &Evaluator{engine: engine, factories: factories}
}

// Evaluate evaluates a bare expression against data.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.engine.Evaluate(ctx, expression, data)
}

// Merge renders template, substituting every resolvable ${...} with its
// value. Unresolvable references are left in place.
func (e *Evaluator) Merge(ctx context.Context, template string, data map[string]any, defaultPrefix string) string {
	return e.Render(ctx, template, data, defaultPrefix, nil)
}

// Render is Merge with processor lookup for references to objects the
// context map does not hold.
func (e *Evaluator) Render(ctx context.Context, template string, data map[string]any, defaultPrefix string, scope Scope) string {
	env := make(map[string]any, len(data)+2)
	for k, v := range data {
		env[k] = v
	}
	return e.render(ctx, template, env, defaultPrefix, scope, 0)
}

func (e *Evaluator) render(ctx context.Context, template string, env map[string]any, defaultPrefix string, scope Scope, depth int) string {
	var claimed []Processor
	changed := false
	out := variablePattern.ReplaceAllStringFunc(template, func(ref string) string {
		raw := strings.TrimSpace(ref[2 : len(ref)-1])
		if raw == "" {
			return ref
		}
		variable := e.normalizeVariable(raw, env, "", scope, &claimed)
		val := e.lookup(ctx, variable, env)
		if val == nil && defaultPrefix != "" {
			val = e.lookup(ctx, defaultPrefix+"."+variable, env)
		}
		if val == nil {
			return ref
		}
		changed = true
		return inline(val)
	})
	if changed && depth < maxResolveDepth && HasReferences(out) {
		return e.render(ctx, out, env, defaultPrefix, scope, depth+1)
	}
	return out
}

func (e *Evaluator) lookup(ctx context.Context, variable string, data map[string]any) any {
	val, err := e.engine.Evaluate(ctx, variable, data)
	if err != nil {
		return nil
	}
	return val
}

// Resolve evaluates an expression containing ${...} references. Each
// reference is normalized, bound to a VAR_n placeholder and evaluated on its
// own; the rewritten expression is then evaluated over the placeholders.
// An expression without references is evaluated directly against data.
func (e *Evaluator) Resolve(ctx context.Context, expression string, data map[string]any, defaultPrefix string, scope Scope) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	if !HasReferences(expression) {
		return e.engine.Evaluate(ctx, expression, data)
	}
	env := make(map[string]any, len(data)+2)
	for k, v := range data {
		env[k] = v
	}

	var claimed []Processor
	vars := make(map[string]string)
	n := 0
	rewritten := variablePattern.ReplaceAllStringFunc(expression, func(ref string) string {
		variable := e.normalizeVariable(strings.TrimSpace(ref[2:len(ref)-1]), env, defaultPrefix, scope, &claimed)
		id := fmt.Sprintf("VAR_%d", n)
		n++
		vars[id] = variable
		return id
	})

	values := make(map[string]any, len(vars))
	for id, variable := range vars {
		val, err := e.engine.Evaluate(ctx, variable, env)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeValidation) {
				return nil, err
			}
			val = nil
		}
		if s, ok := val.(string); ok && HasReferences(s) {
			val = e.render(ctx, s, env, defaultPrefix, scope, 1)
		}
		values[id] = val
	}

	return e.engine.Evaluate(ctx, rewritten, values)
}

// normalizeVariable rewrites one reference so it can be evaluated against env.
// Claiming processors bind their object into env.
func (e *Evaluator) normalizeVariable(variable string, env map[string]any, defaultPrefix string, scope Scope, claimed *[]Processor) string {
	top := variable
	if first, rest, ok := strings.Cut(variable, "."); ok && first != "" && !argsCharPattern.MatchString(first) {
		top = NormalizeName(first)
		variable = top + "." + rest
	}
	if _, known := env[top]; known {
		return variable
	}

	for _, p := range *claimed {
		if v, ok := p.Normalize(variable); ok {
			return v
		}
	}
	if scope != nil {
		for _, f := range e.factories {
			p := f.Processor(variable, scope)
			if p == nil {
				continue
			}
			if v, ok := p.Normalize(variable); ok {
				env[p.Prefix()] = p.Value()
				*claimed = append(*claimed, p)
				return v
			}
		}
	}

	if defaultPrefix == "" {
		return variable
	}
	return defaultPrefix + "." + variable
}

// inline renders a resolved value into template text.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
