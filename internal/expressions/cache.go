package expressions

import (
	"github.com/jellydator/ttlcache/v3"

	"github.com/rendis/conveyor/pkg/schema"
)

// DefaultProgramCacheSize bounds the compiled programs each engine keeps.
const DefaultProgramCacheSize = 1024

// programCache keeps compiled programs by source text, evicting the least
// recently used once full. Entries never expire, so no cleanup goroutine runs.
type programCache[P any] struct {
	engine string
	items  *ttlcache.Cache[string, P]
}

func newProgramCache[P any](engine string, capacity uint64) *programCache[P] {
	if capacity == 0 {
		capacity = DefaultProgramCacheSize
	}
	return &programCache[P]{
		engine: engine,
		items: ttlcache.New(
			ttlcache.WithCapacity[string, P](capacity),
		),
	}
}

// get returns the program for expression, compiling and storing it on a
// miss. Two goroutines missing together may both compile; the programs are
// equivalent and the later one wins.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	if item := c.items.Get(expression); item != nil {
		return item.Value(), nil
	}
	prg, err := compile(expression)
	if err != nil {
		var zero P
		return zero, c.compileError(expression, err)
	}
	c.items.Set(expression, prg, ttlcache.DefaultTTL)
	return prg, nil
}

func (c *programCache[P]) len() int { return c.items.Len() }

func (c *programCache[P]) compileError(expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", c.engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": c.engine, "expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecutionFailure, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
