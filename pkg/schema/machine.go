package schema

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StateMachineDefinition is the serializable form of a state machine graph.
// Child machines share the same shape and are addressed by their ID.
type StateMachineDefinition struct {
	ID            string                   `json:"id"`
	AppID         string                   `json:"app_id,omitempty"`
	Name          string                   `json:"name,omitempty"`
	InitialState  string                   `json:"initial_state"`
	ErrorStrategy ErrorStrategy            `json:"error_strategy,omitempty"`
	RollbackState string                   `json:"rollback_state,omitempty"`
	States        []StateDefinition        `json:"states"`
	Transitions   []TransitionDefinition   `json:"transitions,omitempty"`
	ChildMachines []StateMachineDefinition `json:"child_machines,omitempty"`
}

// StateDefinition describes one named state and the type that implements it.
type StateDefinition struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Timeout string          `json:"timeout,omitempty"` // e.g. "30m"; sets the instance expiry when it starts
	Params  json.RawMessage `json:"params,omitempty"`
}

// TransitionType distinguishes success and failure edges.
type TransitionType string

const (
	TransitionSuccess TransitionType = "success"
	TransitionFailure TransitionType = "failure"
)

// TransitionDefinition is a directed edge between two states of the same graph.
type TransitionDefinition struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	On   TransitionType `json:"on,omitempty"` // default: success
}

// Builtin state type tags.
const (
	StateTypeNoop      = "noop"
	StateTypePause     = "pause"
	StateTypeWait      = "wait"
	StateTypeFork      = "fork"
	StateTypeRepeat    = "repeat"
	StateTypeExpr      = "expr"
	StateTypeCondition = "condition"
	StateTypeTransform = "transform"
	StateTypeHTTP      = "http"
)

// ParseDefinition decodes a definition document. The format is picked from the
// file name extension (".yaml"/".yml" for YAML, anything else is JSON).
func ParseDefinition(name string, data []byte) (*StateMachineDefinition, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse yaml definition %s: %s", name, err.Error()).WithCause(err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "convert yaml definition %s: %s", name, err.Error()).WithCause(err)
		}
		data = converted
	}

	var def StateMachineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse definition %s: %s", name, err.Error()).WithCause(err)
	}
	return &def, nil
}

// FindChild returns the child definition with the given id, searching recursively.
func (d *StateMachineDefinition) FindChild(id string) (*StateMachineDefinition, error) {
	for i := range d.ChildMachines {
		c := &d.ChildMachines[i]
		if c.ID == id {
			return c, nil
		}
		if found, err := c.FindChild(id); err == nil {
			return found, nil
		}
	}
	return nil, fmt.Errorf("child machine %q not defined", id)
}
