package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/pkg/schema"
)

// StateFactory resolves state types. *states.Registry satisfies it.
type StateFactory interface {
	Has(typ string) bool
	New(typ, name string, params json.RawMessage) (states.State, error)
}

// machineScope is one graph of a definition tree with the path prefix its
// issues are reported under.
type machineScope struct {
	def   *schema.StateMachineDefinition
	path  string
	names map[string]bool
	built map[string]states.State
}

// validateSemantic checks references across the whole definition tree:
// state names and types, initial and rollback states, transitions, child
// machine ids and the targets of fork and repeat states. factory may be
// nil to skip the type checks.
func validateSemantic(def *schema.StateMachineDefinition, factory StateFactory) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var scopes []*machineScope
	childIDs := map[string]string{}
	collectScopes(def, "", true, &scopes, childIDs, result)

	for _, sc := range scopes {
		validateStates(sc, factory, result)
		validateEntryPoints(sc, result)
		validateTransitions(sc, result)
	}
	for _, sc := range scopes {
		validateSpawnTargets(sc, childIDs, result)
	}
	return result
}

// collectScopes flattens the tree and records child machine ids, flagging
// duplicates. The root id is reserved.
func collectScopes(def *schema.StateMachineDefinition, path string, root bool, scopes *[]*machineScope, ids map[string]string, result *schema.ValidationResult) {
	if root {
		ids[def.ID] = "/"
	}
	*scopes = append(*scopes, &machineScope{
		def:   def,
		path:  path,
		names: make(map[string]bool, len(def.States)),
		built: make(map[string]states.State, len(def.States)),
	})
	for i := range def.ChildMachines {
		child := &def.ChildMachines[i]
		childPath := fmt.Sprintf("%schild_machines[%d]", path, i)
		if child.ID == "" {
			result.AddError(childPath+".id", schema.ErrCodeValidation, "child machine has no id")
		} else if prev, dup := ids[child.ID]; dup {
			result.AddError(childPath+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate machine id %q (first defined at %s)", child.ID, prev))
		} else {
			ids[child.ID] = childPath
		}
		collectScopes(child, childPath+".", false, scopes, ids, result)
	}
}

func validateStates(sc *machineScope, factory StateFactory, result *schema.ValidationResult) {
	for i, sd := range sc.def.States {
		path := fmt.Sprintf("%sstates[%d]", sc.path, i)
		switch {
		case sd.Name == "":
			result.AddError(path+".name", schema.ErrCodeValidation, "state has no name")
		case sc.names[sd.Name]:
			result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate state %q", sd.Name))
		default:
			sc.names[sd.Name] = true
		}

		if sd.Timeout != "" {
			if d, err := time.ParseDuration(sd.Timeout); err != nil || d <= 0 {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", sd.Timeout))
			}
		}

		if factory == nil {
			continue
		}
		if !factory.Has(sd.Type) {
			result.AddError(path+".type", schema.ErrCodeInvalidArgument,
				fmt.Sprintf("state type %q not registered", sd.Type))
			continue
		}
		st, err := factory.New(sd.Type, sd.Name, sd.Params)
		if err != nil {
			result.AddError(path+".params", schema.ErrCodeValidation, err.Error())
			continue
		}
		if _, dup := sc.built[sd.Name]; !dup && sd.Name != "" {
			sc.built[sd.Name] = st
		}
	}
}

func validateEntryPoints(sc *machineScope, result *schema.ValidationResult) {
	def := sc.def
	if def.ErrorStrategy != "" && !def.ErrorStrategy.Valid() {
		result.AddError(sc.path+"error_strategy", schema.ErrCodeValidation,
			fmt.Sprintf("unknown error strategy %q", def.ErrorStrategy))
	}
	if len(def.States) > 0 && !sc.names[def.InitialState] {
		result.AddError(sc.path+"initial_state", schema.ErrCodeValidation,
			fmt.Sprintf("initial state %q not defined", def.InitialState))
	}
	if def.RollbackState != "" && !sc.names[def.RollbackState] {
		result.AddError(sc.path+"rollback_state", schema.ErrCodeValidation,
			fmt.Sprintf("rollback state %q not defined", def.RollbackState))
	}
}

func validateTransitions(sc *machineScope, result *schema.ValidationResult) {
	success := make(map[string]string)
	failure := make(map[string]string)
	for i, t := range sc.def.Transitions {
		path := fmt.Sprintf("%stransitions[%d]", sc.path, i)
		if !sc.names[t.From] {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("transition from unknown state %q", t.From))
		}
		if !sc.names[t.To] {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("transition to unknown state %q", t.To))
		}

		edges := success
		switch t.On {
		case "", schema.TransitionSuccess:
		case schema.TransitionFailure:
			edges = failure
		default:
			result.AddError(path+".on", schema.ErrCodeValidation,
				fmt.Sprintf("unknown transition type %q", t.On))
			continue
		}
		if prev, dup := edges[t.From]; dup && prev != t.To {
			on := t.On
			if on == "" {
				on = schema.TransitionSuccess
			}
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("state %q has two %s transitions (%q and %q)", t.From, on, prev, t.To))
			continue
		}
		edges[t.From] = t.To
	}
}

// validateSpawnTargets checks that fork and repeat states start their
// branches in states of their own graph or in child machines of the tree.
func validateSpawnTargets(sc *machineScope, childIDs map[string]string, result *schema.ValidationResult) {
	for i, sd := range sc.def.States {
		sp, ok := sc.built[sd.Name].(states.Spawner)
		if !ok {
			continue
		}
		path := fmt.Sprintf("%sstates[%d].params", sc.path, i)
		stateNames, children := sp.Targets()
		for _, target := range stateNames {
			if !sc.names[target] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("state %q spawns unknown state %q", sd.Name, target))
			}
		}
		for _, child := range children {
			if at, ok := childIDs[child]; !ok || at == "/" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("state %q spawns unknown child machine %q", sd.Name, child))
			}
		}
	}
}
