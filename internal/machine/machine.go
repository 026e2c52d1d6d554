// Package machine holds the immutable state graph a run executes.
package machine

import (
	"fmt"
	"time"

	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/pkg/schema"
)

// graph is one level of a state machine: the root or a child machine.
type graph struct {
	id            string
	initialState  string
	errorStrategy schema.ErrorStrategy
	rollbackState string
	states        map[string]states.State
	timeouts      map[string]time.Duration
	success       map[string]string
	failure       map[string]string
}

// StateMachine is a built, immutable state graph. Child machines are
// addressed by id from the root; the empty id is the root graph.
type StateMachine struct {
	def    schema.StateMachineDefinition
	root   *graph
	graphs map[string]*graph
}

// Build constructs the machine described by def, creating every state
// through reg. Structural problems are reported as VALIDATION_ERROR.
func Build(def *schema.StateMachineDefinition, reg *states.Registry) (*StateMachine, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "state machine definition is nil")
	}
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "state machine id is empty")
	}
	if len(def.States) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "state machine %s has no states", def.ID)
	}

	sm := &StateMachine{def: *def, graphs: make(map[string]*graph)}
	root, err := sm.buildGraph(def, "", reg)
	if err != nil {
		return nil, err
	}
	sm.root = root
	sm.graphs[""] = root

	if err := sm.checkSpawnTargets(); err != nil {
		return nil, err
	}
	return sm, nil
}

func (sm *StateMachine) buildGraph(def *schema.StateMachineDefinition, id string, reg *states.Registry) (*graph, error) {
	g := &graph{
		id:            id,
		initialState:  def.InitialState,
		errorStrategy: def.ErrorStrategy,
		rollbackState: def.RollbackState,
		states:        make(map[string]states.State, len(def.States)),
		timeouts:      make(map[string]time.Duration),
		success:       make(map[string]string),
		failure:       make(map[string]string),
	}
	where := "state machine " + def.ID
	if g.errorStrategy == "" {
		g.errorStrategy = schema.ErrorStrategyFail
	}
	if !g.errorStrategy.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: unknown error strategy %q", where, def.ErrorStrategy)
	}

	for _, sd := range def.States {
		if sd.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: state with empty name", where)
		}
		if _, dup := g.states[sd.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: duplicate state %q", where, sd.Name)
		}
		st, err := reg.New(sd.Type, sd.Name, sd.Params)
		if err != nil {
			return nil, err
		}
		g.states[sd.Name] = st
		if sd.Timeout != "" {
			d, err := time.ParseDuration(sd.Timeout)
			if err != nil || d <= 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: state %q has invalid timeout %q", where, sd.Name, sd.Timeout)
			}
			g.timeouts[sd.Name] = d
		}
	}

	if len(g.states) > 0 {
		if _, ok := g.states[g.initialState]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: initial state %q not defined", where, g.initialState)
		}
	}
	if g.rollbackState != "" {
		if _, ok := g.states[g.rollbackState]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: rollback state %q not defined", where, g.rollbackState)
		}
	}

	for _, t := range def.Transitions {
		if _, ok := g.states[t.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: transition from unknown state %q", where, t.From)
		}
		if _, ok := g.states[t.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: transition to unknown state %q", where, t.To)
		}
		edges := g.success
		switch t.On {
		case "", schema.TransitionSuccess:
		case schema.TransitionFailure:
			edges = g.failure
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: transition %s -> %s has unknown type %q", where, t.From, t.To, t.On)
		}
		if prev, dup := edges[t.From]; dup && prev != t.To {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: state %q has two %s transitions", where, t.From, t.On)
		}
		edges[t.From] = t.To
	}

	for i := range def.ChildMachines {
		child := &def.ChildMachines[i]
		if child.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: child machine %d has no id", where, i)
		}
		if _, dup := sm.graphs[child.ID]; dup || child.ID == sm.def.ID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: duplicate child machine id %q", where, child.ID)
		}
		sm.graphs[child.ID] = nil // reserve the id before recursing
		cg, err := sm.buildGraph(child, child.ID, reg)
		if err != nil {
			return nil, err
		}
		sm.graphs[child.ID] = cg
	}
	return g, nil
}

// checkSpawnTargets verifies that fork and repeat states point at states of
// their own graph or at child machines that exist.
func (sm *StateMachine) checkSpawnTargets() error {
	for id, g := range sm.graphs {
		for name, st := range g.states {
			sp, ok := st.(states.Spawner)
			if !ok {
				continue
			}
			stateNames, children := sp.Targets()
			for _, target := range stateNames {
				if _, ok := g.states[target]; !ok {
					return schema.NewErrorf(schema.ErrCodeValidation, "state %q spawns unknown state %q", name, target).
						WithDetails(map[string]any{"child_machine": id})
				}
			}
			for _, child := range children {
				if child == "" || sm.graphs[child] == nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "state %q spawns unknown child machine %q", name, child).
						WithDetails(map[string]any{"child_machine": id})
				}
			}
		}
	}
	return nil
}

func (sm *StateMachine) graph(childID string) (*graph, error) {
	g, ok := sm.graphs[childID]
	if !ok || g == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "state machine %s has no child machine %q", sm.def.ID, childID)
	}
	return g, nil
}

// ID returns the machine id.
func (sm *StateMachine) ID() string { return sm.def.ID }

// AppID returns the application the machine belongs to.
func (sm *StateMachine) AppID() string { return sm.def.AppID }

// Name returns the display name, falling back to the id.
func (sm *StateMachine) Name() string {
	if sm.def.Name != "" {
		return sm.def.Name
	}
	return sm.def.ID
}

// Definition returns the document the machine was built from.
func (sm *StateMachine) Definition() schema.StateMachineDefinition { return sm.def }

// InitialStateName returns the root graph's initial state.
func (sm *StateMachine) InitialStateName() string { return sm.root.initialState }

// ChildInitialStateName returns a child graph's initial state. It is empty
// for a child machine without states.
func (sm *StateMachine) ChildInitialStateName(childID string) (string, error) {
	g, err := sm.graph(childID)
	if err != nil {
		return "", err
	}
	return g.initialState, nil
}

// Child reports whether a child machine with the given id exists.
func (sm *StateMachine) Child(id string) bool {
	return id != "" && sm.graphs[id] != nil
}

// State returns the named state of the graph childID ("" for the root).
func (sm *StateMachine) State(childID, name string) (states.State, error) {
	g, err := sm.graph(childID)
	if err != nil {
		return nil, err
	}
	st, ok := g.states[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "state %q not defined in %s", name, sm.where(childID))
	}
	return st, nil
}

// SuccessTransition returns the successor of name on success, or nil when
// the state has no success transition.
func (sm *StateMachine) SuccessTransition(childID, name string) (states.State, error) {
	return sm.transition(childID, name, false)
}

// FailureTransition returns the successor of name on failure, or nil.
func (sm *StateMachine) FailureTransition(childID, name string) (states.State, error) {
	return sm.transition(childID, name, true)
}

func (sm *StateMachine) transition(childID, name string, failure bool) (states.State, error) {
	g, err := sm.graph(childID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.states[name]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "state %q not defined in %s", name, sm.where(childID))
	}
	edges := g.success
	if failure {
		edges = g.failure
	}
	next, ok := edges[name]
	if !ok {
		return nil, nil
	}
	return g.states[next], nil
}

// ErrorStrategy returns the graph's default error strategy.
func (sm *StateMachine) ErrorStrategy(childID string) schema.ErrorStrategy {
	g, err := sm.graph(childID)
	if err != nil {
		return schema.ErrorStrategyFail
	}
	return g.errorStrategy
}

// RollbackStateName returns the graph's rollback state, or "".
func (sm *StateMachine) RollbackStateName(childID string) string {
	g, err := sm.graph(childID)
	if err != nil {
		return ""
	}
	return g.rollbackState
}

// StateTimeout returns the declared timeout of a state, or 0.
func (sm *StateMachine) StateTimeout(childID, name string) time.Duration {
	g, err := sm.graph(childID)
	if err != nil {
		return 0
	}
	return g.timeouts[name]
}

func (sm *StateMachine) where(childID string) string {
	if childID == "" {
		return fmt.Sprintf("state machine %s", sm.def.ID)
	}
	return fmt.Sprintf("child machine %s of %s", childID, sm.def.ID)
}
