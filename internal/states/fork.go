package states

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/internal/notify"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

type forkBranch struct {
	Name         string `json:"name"`
	State        string `json:"state,omitempty"`
	ChildMachine string `json:"child_machine,omitempty"`
}

type forkParams struct {
	Branches []forkBranch `json:"branches"`
}

// forkState runs one child branch per configured branch and completes when
// all of them have ended.
type forkState struct {
	base
	params forkParams
}

func newForkState(name string, params json.RawMessage) (State, error) {
	s := &forkState{base: base{name: name, typ: schema.StateTypeFork}}
	if err := decodeParams(params, &s.params); err != nil {
		return nil, err
	}
	if len(s.params.Branches) == 0 {
		return nil, fmt.Errorf("fork requires at least one branch")
	}
	seen := make(map[string]bool, len(s.params.Branches))
	for i, b := range s.params.Branches {
		if b.Name == "" {
			return nil, fmt.Errorf("branch %d has no name", i)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate branch %q", b.Name)
		}
		seen[b.Name] = true
		if b.State == "" && b.ChildMachine == "" {
			return nil, fmt.Errorf("branch %q needs a state or a child_machine", b.Name)
		}
	}
	return s, nil
}

// Targets returns the states and child machines the branches start in.
func (s *forkState) Targets() (stateNames, childMachines []string) {
	for _, b := range s.params.Branches {
		if b.ChildMachine != "" {
			childMachines = append(childMachines, b.ChildMachine)
		} else {
			stateNames = append(stateNames, b.State)
		}
	}
	return stateNames, childMachines
}

func (s *forkState) Execute(_ context.Context, ec ExecutionContext) (*ExecutionResponse, error) {
	resp := &ExecutionResponse{Status: schema.StatusRunning}
	correlation := make(map[string]any, len(s.params.Branches))

	for i, b := range s.params.Branches {
		child := ec.NewChildInstance()
		child.StateName = b.State
		child.StateType = ""
		if b.ChildMachine != "" {
			child.ChildStateMachineID = b.ChildMachine
		}
		child.NotifyID = uuid.NewString()
		child.PushContextElement(store.ContextElement{
			UUID: uuid.NewString(),
			Type: store.ElementFork,
			Name: b.Name,
			Values: map[string]any{
				"index":  i,
				"parent": ec.StateName(),
			},
		})

		correlation[child.NotifyID] = b.Name
		resp.CorrelationIDs = append(resp.CorrelationIDs, child.NotifyID)
		resp.SpawnInstances = append(resp.SpawnInstances, child)
	}

	resp.StateExecutionData = map[string]any{"correlation": correlation}
	return resp, nil
}

func (s *forkState) HandleAsyncResponse(_ context.Context, ec ExecutionContext, responses map[string]notify.Response) (*ExecutionResponse, error) {
	names := map[string]any{}
	if d := ec.StateExecutionData(); d != nil {
		if c, ok := d.Data["correlation"].(map[string]any); ok {
			names = c
		}
	}

	branches := make(map[string]any, len(responses))
	for id, r := range responses {
		name, _ := names[id].(string)
		if name == "" {
			name = id
		}
		branches[name] = string(r.Status)
	}

	status, failedMsg := aggregate(responses)
	return &ExecutionResponse{
		Status:             status,
		ErrorMessage:       failedMsg,
		StateExecutionData: map[string]any{"correlation": names, "branches": branches},
		Elements:           collectElements(responses),
	}, nil
}

// aggregate folds child outcomes: ABORTED beats FAILED or ERROR, which beat SUCCESS.
func aggregate(responses map[string]notify.Response) (schema.ExecutionStatus, string) {
	status := schema.StatusSuccess
	var msgs []string
	for _, r := range responses {
		switch {
		case r.Status == schema.StatusAborted:
			status = schema.StatusAborted
		case r.Status.IsFailure():
			if status != schema.StatusAborted {
				status = schema.StatusFailed
			}
			if r.Error != "" {
				msgs = append(msgs, r.Error)
			}
		}
	}
	sort.Strings(msgs)
	return status, strings.Join(msgs, "; ")
}

// collectElements gathers the notify elements of every response in
// correlation id order so successors see a stable stack.
func collectElements(responses map[string]notify.Response) []store.ContextElement {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []store.ContextElement
	for _, id := range ids {
		out = append(out, cloneElements(responses[id].Elements)...)
	}
	return out
}
