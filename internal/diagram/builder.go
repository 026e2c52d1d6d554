package diagram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/conveyor/internal/states"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// StateFactory builds states so fork and repeat targets can be drawn.
// *states.Registry satisfies it.
type StateFactory interface {
	New(typ, name string, params json.RawMessage) (states.State, error)
}

type builder struct {
	factory StateFactory
	rootID  string
	used    map[string]bool
	nodes   map[nodeKey]*Node
	starts  map[string]string
	overlay map[nodeKey]*StatusOverlay
}

type nodeKey struct{ machine, state string }

// Build constructs a DiagramModel from a definition and, optionally, the
// instances of one run, oldest first. Each state shows the status of its
// newest instance. A nil factory draws transitions only.
func Build(def *schema.StateMachineDefinition, factory StateFactory, instances []*store.StateExecutionInstance) (*DiagramModel, error) {
	if def == nil {
		return nil, errors.New("diagram: nil definition")
	}
	b := &builder{
		factory: factory,
		rootID:  def.ID,
		used:    make(map[string]bool),
		nodes:   make(map[nodeKey]*Node),
		starts:  make(map[string]string),
		overlay: overlayFrom(def.ID, instances),
	}

	machines := flatten(def)
	// Every node ID must exist before spawn edges can point across machines.
	for _, m := range machines {
		b.starts[m.ID] = b.uniqueID(m.ID + "__start")
		for _, st := range m.States {
			b.addNode(m.ID, st)
		}
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	for i, m := range machines {
		nodes, edges, err := b.machine(m)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			model.Nodes, model.Edges = nodes, edges
			continue
		}
		label := m.ID
		if m.Name != "" {
			label = m.Name
		}
		model.SubGraphs = append(model.SubGraphs, &SubGraph{
			ID:    b.uniqueID("cluster_" + m.ID),
			Label: label,
			Nodes: nodes,
			Edges: edges,
		})
	}
	return model, nil
}

// flatten lists the root followed by every nested child machine, depth first.
func flatten(def *schema.StateMachineDefinition) []*schema.StateMachineDefinition {
	out := []*schema.StateMachineDefinition{def}
	for i := range def.ChildMachines {
		out = append(out, flatten(&def.ChildMachines[i])...)
	}
	return out
}

func (b *builder) addNode(machineID string, st schema.StateDefinition) {
	key := nodeKey{machineID, st.Name}
	if _, dup := b.nodes[key]; dup {
		return
	}
	b.nodes[key] = &Node{
		ID:      b.uniqueID(machineID + "_" + st.Name),
		Machine: machineID,
		State:   st.Name,
		Label:   fmt.Sprintf("%s\n(%s)", st.Name, st.Type),
		Kind:    stateTypeToKind(st.Type),
		Status:  b.overlay[key],
	}
}

// machine returns the nodes and edges of one graph: a start node, its
// states in definition order and, when some state ends the graph on
// success, an end node.
func (b *builder) machine(m *schema.StateMachineDefinition) ([]*Node, []Edge, error) {
	start := &Node{ID: b.starts[m.ID], Machine: m.ID, Label: "Start", Kind: NodeKindStart}
	nodes := []*Node{start}
	var edges []Edge

	if n := b.nodes[nodeKey{m.ID, m.InitialState}]; n != nil {
		edges = append(edges, Edge{From: start.ID, To: n.ID, Kind: EdgeSuccess})
	}
	if n := b.nodes[nodeKey{m.ID, m.RollbackState}]; n != nil {
		edges = append(edges, Edge{From: start.ID, To: n.ID, Kind: EdgeFailure, Label: "rollback"})
	}

	hasSuccess := make(map[string]bool, len(m.Transitions))
	for _, t := range m.Transitions {
		from, to := b.nodes[nodeKey{m.ID, t.From}], b.nodes[nodeKey{m.ID, t.To}]
		if from == nil || to == nil {
			continue
		}
		kind := EdgeSuccess
		if t.On == schema.TransitionFailure {
			kind = EdgeFailure
		} else {
			hasSuccess[t.From] = true
		}
		edges = append(edges, Edge{From: from.ID, To: to.ID, Kind: kind, Label: labelFor(kind)})
	}

	var terminal []*Node
	for _, st := range m.States {
		n := b.nodes[nodeKey{m.ID, st.Name}]
		if n == nil || containsNode(nodes, n) {
			continue
		}
		nodes = append(nodes, n)

		spawns, err := b.spawnEdges(m.ID, st, n)
		if err != nil {
			return nil, nil, err
		}
		edges = append(edges, spawns...)

		if !hasSuccess[st.Name] && st.Name != m.RollbackState {
			terminal = append(terminal, n)
		}
	}

	if len(terminal) > 0 {
		end := &Node{ID: b.uniqueID(m.ID + "__end"), Machine: m.ID, Label: "End", Kind: NodeKindEnd}
		nodes = append(nodes, end)
		for _, n := range terminal {
			edges = append(edges, Edge{From: n.ID, To: end.ID, Kind: EdgeSuccess})
		}
	}
	return nodes, edges, nil
}

// spawnEdges links a fork or repeat state to the states and child machines
// its branches start in.
func (b *builder) spawnEdges(machineID string, st schema.StateDefinition, n *Node) ([]Edge, error) {
	if b.factory == nil || (n.Kind != NodeKindFork && n.Kind != NodeKindRepeat) {
		return nil, nil
	}
	built, err := b.factory.New(st.Type, st.Name, st.Params)
	if err != nil {
		return nil, fmt.Errorf("diagram: state %q: %w", st.Name, err)
	}
	sp, ok := built.(states.Spawner)
	if !ok {
		return nil, nil
	}

	stateNames, children := sp.Targets()
	var edges []Edge
	for _, name := range stateNames {
		if to := b.nodes[nodeKey{machineID, name}]; to != nil {
			edges = append(edges, Edge{From: n.ID, To: to.ID, Kind: EdgeSpawn, Label: st.Type})
		}
	}
	for _, child := range children {
		if child == b.rootID {
			continue
		}
		if to, ok := b.starts[child]; ok {
			edges = append(edges, Edge{From: n.ID, To: to, Kind: EdgeSpawn, Label: st.Type})
		}
	}
	return edges, nil
}

// uniqueID turns s into an identifier every renderer accepts and that no
// other node of the model uses.
func (b *builder) uniqueID(s string) string {
	base := safeID(s)
	id := base
	for i := 2; b.used[id]; i++ {
		id = fmt.Sprintf("%s_%d", base, i)
	}
	b.used[id] = true
	return id
}

func safeID(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}

// overlayFrom reduces a run to one overlay per (machine, state).
func overlayFrom(rootID string, instances []*store.StateExecutionInstance) map[nodeKey]*StatusOverlay {
	out := make(map[nodeKey]*StatusOverlay)
	for _, inst := range instances {
		machine := inst.ChildStateMachineID
		if machine == "" {
			machine = rootID
		}
		key := nodeKey{machine, inst.StateName}
		o := out[key]
		if o == nil {
			o = &StatusOverlay{}
			out[key] = o
		}
		o.Attempts++
		o.Status = inst.Status
		o.Error = ""
		if d := inst.StateExecutionMap[inst.StateName]; d != nil {
			o.Error = d.ErrorMsg
		}
	}
	return out
}

func stateTypeToKind(typ string) NodeKind {
	switch typ {
	case schema.StateTypeCondition:
		return NodeKindDecision
	case schema.StateTypePause:
		return NodeKindPause
	case schema.StateTypeWait:
		return NodeKindWait
	case schema.StateTypeFork:
		return NodeKindFork
	case schema.StateTypeRepeat:
		return NodeKindRepeat
	default:
		return NodeKindTask
	}
}

func labelFor(kind EdgeKind) string {
	if kind == EdgeFailure {
		return "failure"
	}
	return ""
}

func containsNode(nodes []*Node, n *Node) bool {
	for _, m := range nodes {
		if m == n {
			return true
		}
	}
	return false
}

func titleFromDef(def *schema.StateMachineDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "State machine"
}

// firstLine returns s up to its first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
