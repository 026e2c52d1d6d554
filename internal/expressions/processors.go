package expressions

import (
	"strings"

	"github.com/rendis/conveyor/internal/store"
)

// Scope exposes the instance's context elements to processors.
type Scope interface {
	// TopElement returns the most recently pushed element of type t.
	TopElement(t store.ContextElementType) (store.ContextElement, bool)
}

// Processor binds an object into the evaluation environment under Prefix and
// rewrites the references it claims.
type Processor interface {
	Prefix() string
	Normalize(variable string) (string, bool)
	Value() any
}

// ProcessorFactory returns a Processor for variable, or nil when it does not apply.
type ProcessorFactory interface {
	Processor(variable string, scope Scope) Processor
}

// DefaultElementPrefixes maps short reference names to the element type they
// resolve to, e.g. ${host.name} reads the innermost HOST element.
var DefaultElementPrefixes = map[string]store.ContextElementType{
	"host":     store.ElementHost,
	"service":  store.ElementService,
	"artifact": store.ElementArtifact,
	"instance": store.ElementInstance,
	"phase":    store.ElementPhase,
	"fork":     store.ElementFork,
	"repeat":   store.ElementRepeat,
}

// ElementProcessorFactory resolves prefixed references to the topmost
// context element of the mapped type.
type ElementProcessorFactory struct {
	prefixes map[string]store.ContextElementType
}

// NewElementProcessorFactory creates a factory for prefixes. A nil map uses
// DefaultElementPrefixes.
func NewElementProcessorFactory(prefixes map[string]store.ContextElementType) *ElementProcessorFactory {
	if prefixes == nil {
		prefixes = DefaultElementPrefixes
	}
	return &ElementProcessorFactory{prefixes: prefixes}
}

func (f *ElementProcessorFactory) Processor(variable string, scope Scope) Processor {
	top, _, _ := strings.Cut(variable, ".")
	typ, ok := f.prefixes[top]
	if !ok {
		return nil
	}
	el, ok := scope.TopElement(typ)
	if !ok {
		return nil
	}
	return &elementProcessor{prefix: top, element: el}
}

type elementProcessor struct {
	prefix  string
	element store.ContextElement
}

func (p *elementProcessor) Prefix() string { return p.prefix }

func (p *elementProcessor) Normalize(variable string) (string, bool) {
	if variable == p.prefix || strings.HasPrefix(variable, p.prefix+".") {
		return variable, true
	}
	return "", false
}

// Value is the element's values plus its name and uuid.
func (p *elementProcessor) Value() any {
	out := make(map[string]any, len(p.element.Values)+2)
	for k, v := range p.element.Values {
		out[k] = v
	}
	if _, ok := out["name"]; !ok {
		out["name"] = p.element.Name
	}
	if _, ok := out["uuid"]; !ok && p.element.UUID != "" {
		out["uuid"] = p.element.UUID
	}
	return out
}

var _ ProcessorFactory = (*ElementProcessorFactory)(nil)
