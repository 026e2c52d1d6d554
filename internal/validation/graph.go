package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/pkg/schema"
)

// validateGraph analyses each graph of the tree: states that no path from
// the initial or rollback state reaches, and success transitions that loop
// (Kahn's algorithm). Both are warnings. It runs on definitions that passed
// the semantic stage.
func validateGraph(def *schema.StateMachineDefinition, factory StateFactory) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	walkGraphs(def, "", func(g *schema.StateMachineDefinition, path string) {
		checkReachability(g, path, factory, result)
		checkSuccessCycle(g, path, result)
	})
	return result
}

func walkGraphs(def *schema.StateMachineDefinition, path string, fn func(*schema.StateMachineDefinition, string)) {
	fn(def, path)
	for i := range def.ChildMachines {
		walkGraphs(&def.ChildMachines[i], fmt.Sprintf("%schild_machines[%d].", path, i), fn)
	}
}

func checkReachability(g *schema.StateMachineDefinition, path string, factory StateFactory, result *schema.ValidationResult) {
	if len(g.States) == 0 {
		return
	}

	next := make(map[string][]string, len(g.States))
	for _, t := range g.Transitions {
		next[t.From] = append(next[t.From], t.To)
	}
	if factory != nil {
		for _, sd := range g.States {
			st, err := factory.New(sd.Type, sd.Name, sd.Params)
			if err != nil {
				continue
			}
			if sp, ok := st.(states.Spawner); ok {
				targets, _ := sp.Targets()
				next[sd.Name] = append(next[sd.Name], targets...)
			}
		}
	}

	reachable := map[string]bool{g.InitialState: true}
	queue := []string{g.InitialState}
	if g.RollbackState != "" && !reachable[g.RollbackState] {
		reachable[g.RollbackState] = true
		queue = append(queue, g.RollbackState)
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, n := range next[node] {
			if !reachable[n] {
				reachable[n] = true
				queue = append(queue, n)
			}
		}
	}

	for i, sd := range g.States {
		if !reachable[sd.Name] {
			result.AddWarning(fmt.Sprintf("%sstates[%d]", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from the initial state", sd.Name))
		}
	}
}

func checkSuccessCycle(g *schema.StateMachineDefinition, path string, result *schema.ValidationResult) {
	succ := make(map[string]string, len(g.Transitions))
	inDegree := make(map[string]int, len(g.States))
	for _, sd := range g.States {
		inDegree[sd.Name] = 0
	}
	for _, t := range g.Transitions {
		if t.On == schema.TransitionFailure {
			continue
		}
		if _, dup := succ[t.From]; dup {
			continue
		}
		succ[t.From] = t.To
		inDegree[t.To]++
	}

	queue := make([]string, 0, len(inDegree))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		if to, ok := succ[node]; ok {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(inDegree) {
		var looping []string
		for name, deg := range inDegree {
			if deg > 0 {
				looping = append(looping, name)
			}
		}
		sort.Strings(looping)
		result.AddWarning(path+"transitions", schema.ErrCodeValidation,
			fmt.Sprintf("success transitions loop through %v; the run only ends on failure or abort", looping))
	}
}
