package states

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

type repeatParams struct {
	Elements     string `json:"elements"`
	State        string `json:"state,omitempty"`
	ChildMachine string `json:"child_machine,omitempty"`
	ElementName  string `json:"element_name,omitempty"`
	Serial       bool   `json:"serial,omitempty"`
}

// repeatState runs its target once per item of a list, either all at once
// or one after another. Each child gets a REPEAT element holding its item.
type repeatState struct {
	base
	params repeatParams
}

func newRepeatState(name string, params json.RawMessage) (State, error) {
	s := &repeatState{base: base{name: name, typ: schema.StateTypeRepeat}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	if s.params.Elements == "" {
		return nil, fmt.Errorf("repeat requires an elements expression")
	}
	if s.params.State == "" && s.params.ChildMachine == "" {
		return nil, fmt.Errorf("repeat needs a state or a child_machine")
	}
	if s.params.ElementName == "" {
		s.params.ElementName = "item"
	}
	return s, nil
}

// Targets returns the state or child machine each repetition starts in.
func (s *repeatState) Targets() (stateNames, childMachines []string) {
	if s.params.ChildMachine != "" {
		return nil, []string{s.params.ChildMachine}
	}
	return []string{s.params.State}, nil
}

func (s *repeatState) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	v, err := ec.EvaluateExpression(ctx, s.params.Elements)
	if err != nil {
		return nil, err
	}
	items, err := toList(v)
	if err != nil {
		return nil, fmt.Errorf("repeat %q: %w", s.name, err)
	}
	if len(items) == 0 {
		return Success(map[string]any{"items": []any{}, "total": 0}), nil
	}

	data := map[string]any{"items": items, "total": len(items), "index": 0}
	resp := &ExecutionResponse{Status: schema.StatusRunning, StateExecutionData: data}

	count := len(items)
	if s.params.Serial {
		count = 1
	}
	for i := 0; i < count; i++ {
		child := s.spawn(ec, items[i], i)
		resp.CorrelationIDs = append(resp.CorrelationIDs, child.NotifyID)
		resp.SpawnInstances = append(resp.SpawnInstances, child)
	}
	return resp, nil
}

func (s *repeatState) spawn(ec ExecutionContext, item any, index int) *store.StateExecutionInstance {
	child := ec.NewChildInstance()
	child.StateName = s.params.State
	child.StateType = ""
	if s.params.ChildMachine != "" {
		child.ChildStateMachineID = s.params.ChildMachine
	}
	child.NotifyID = uuid.NewString()
	child.PushContextElement(store.ContextElement{
		UUID:   uuid.NewString(),
		Type:   store.ElementRepeat,
		Name:   s.params.ElementName,
		Values: map[string]any{"value": item, "index": index},
	})
	return child
}

func (s *repeatState) HandleAsyncResponse(_ context.Context, ec ExecutionContext, responses map[string]notify.Response) (*ExecutionResponse, error) {
	data := map[string]any{}
	if d := ec.StateExecutionData(); d != nil {
		for k, v := range d.Data {
			data[k] = v
		}
	}
	items, _ := toList(data["items"])

	results, _ := data["results"].([]any)
	for _, r := range responses {
		results = append(results, string(r.Status))
	}
	data["results"] = results

	status, msg := aggregate(responses)
	elements := collectElements(responses)
	if s.params.Serial {
		held, err := heldElements(data)
		if err != nil {
			return nil, fmt.Errorf("repeat %q: %w", s.name, err)
		}
		elements = append(held, elements...)
	}
	if !s.params.Serial || status != schema.StatusSuccess {
		return &ExecutionResponse{
			Status:             status,
			ErrorMessage:       msg,
			StateExecutionData: data,
			Elements:           elements,
		}, nil
	}

	next := intParam(data, "index", 0) + 1
	if next >= len(items) {
		return &ExecutionResponse{Status: schema.StatusSuccess, StateExecutionData: data, Elements: elements}, nil
	}

	// Earlier repetitions' elements wait in the state data until the last one ends.
	data[heldElementsKey] = elements
	data["index"] = next
	child := s.spawn(ec, items[next], next)
	return &ExecutionResponse{
		Status:             schema.StatusRunning,
		CorrelationIDs:     []string{child.NotifyID},
		StateExecutionData: data,
		SpawnInstances:     []*store.StateExecutionInstance{child},
	}, nil
}

const heldElementsKey = "elements"

// heldElements reads the elements a serial repeat has collected so far. The
// state data may have been through JSON, so they are decoded rather than
// type asserted.
func heldElements(data map[string]any) ([]store.ContextElement, error) {
	raw, ok := data[heldElementsKey]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []store.ContextElement
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode held elements: %w", err)
	}
	return out, nil
}
