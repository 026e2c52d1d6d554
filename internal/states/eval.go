package states

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/internal/expressions"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// --- expr ---

type exprParams struct {
	Expression string `json:"expression"`
	Assert     bool   `json:"assert,omitempty"`
}

// exprState evaluates an expression with ${...} references and stores the
// result under "output". With assert set, a non-true result fails the state.
type exprState struct {
	base
	params exprParams
}

func newExprState(name string, params json.RawMessage) (State, error) {
	s := &exprState{base: base{name: name, typ: schema.StateTypeExpr}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	if s.params.Expression == "" {
		return nil, fmt.Errorf("expr requires an expression")
	}
	return s, nil
}

func (s *exprState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	out, err := ec.EvaluateExpression(ctx, s.params.Expression)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"output": out}
	if s.params.Assert && out != true {
		return Failed(fmt.Sprintf("assertion %q evaluated to %v", s.params.Expression, out), data), nil
	}
	return Success(data), nil
}

// --- condition ---

type conditionParams struct {
	Expression string `json:"expression"`
}

// conditionState routes on a CEL predicate: SUCCESS when true, FAILED when
// false, so success and failure transitions act as the two branches.
type conditionState struct {
	base
	params conditionParams
	cel    *expressions.CELEngine
}

func newConditionFactory(cel *expressions.CELEngine) Factory {
	return func(name string, params json.RawMessage) (State, error) {
		s := &conditionState{base: base{name: name, typ: schema.StateTypeCondition}, cel: cel}
		if err := decodeParams(params, &s.params); err != nil {
			return nil, err
		}
		if s.params.Expression == "" {
			return nil, fmt.Errorf("condition requires an expression")
		}
		if err := cel.Compile(s.params.Expression); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (s *conditionState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	ok, err := s.cel.EvaluateBool(ctx, s.params.Expression, celData(ec, ""))
	if err != nil {
		return nil, err
	}
	data := map[string]any{"result": ok}
	if !ok {
		return Failed(fmt.Sprintf("condition %q is false", s.params.Expression), data), nil
	}
	return Success(data), nil
}

// celData builds the CEL activation for ec.
func celData(ec ExecutionContext, status schema.ExecutionStatus) map[string]any {
	state := map[string]any{}
	if d := ec.StateExecutionData(); d != nil {
		state = d.ToMap()
	}
	return map[string]any{
		"context": ec.ContextMap(),
		"state":   state,
		"status":  string(status),
	}
}

// --- transform ---

type transformParams struct {
	Program string `json:"program"`
	Element string `json:"element,omitempty"`
}

// transformState runs a jq program over the context map and pushes the
// result onto the successor's stack as an OTHER element.
type transformState struct {
	base
	params transformParams
	jq     *expressions.GoJQEngine
}

func newTransformFactory(jq *expressions.GoJQEngine) Factory {
	return func(name string, params json.RawMessage) (State, error) {
		s := &transformState{base: base{name: name, typ: schema.StateTypeTransform}, jq: jq}
		if err := decodeParams(params, &s.params); err != nil {
			return nil, err
		}
		if s.params.Program == "" {
			return nil, fmt.Errorf("transform requires a program")
		}
		if err := jq.Compile(s.params.Program); err != nil {
			return nil, err
		}
		if s.params.Element == "" {
			s.params.Element = name
		}
		return s, nil
	}
}

func (s *transformState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	out, err := s.jq.Evaluate(ctx, s.params.Program, ec.ContextMap())
	if err != nil {
		return nil, err
	}
	values, ok := out.(map[string]any)
	if !ok {
		values = map[string]any{"value": out}
	}

	resp := Success(map[string]any{"output": out})
	resp.Elements = []store.ContextElement{{
		UUID:   uuid.NewString(),
		Type:   store.ElementOther,
		Name:   expressions.NormalizeName(s.params.Element),
		Values: values,
	}}
	return resp, nil
}
