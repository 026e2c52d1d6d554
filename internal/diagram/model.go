package diagram

import "github.com/rendis/conveyor/pkg/schema"

// NodeKind classifies a diagram node by the state type it draws.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"
	NodeKindDecision NodeKind = "decision"
	NodeKindPause    NodeKind = "pause"
	NodeKindWait     NodeKind = "wait"
	NodeKindFork     NodeKind = "fork"
	NodeKindRepeat   NodeKind = "repeat"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// EdgeKind tells transitions apart from branch spawns.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
	EdgeSpawn   EdgeKind = "spawn"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes and Edges belong to the root machine; every child machine gets its
// own SubGraph. Edges may cross from the root into a subgraph.
type DiagramModel struct {
	Title     string
	Nodes     []*Node
	Edges     []Edge
	SubGraphs []*SubGraph
}

// Node is one state, or the virtual start/end of a machine.
type Node struct {
	ID      string // renderer-safe, unique within the model
	Machine string
	State   string
	Label   string
	Kind    NodeKind
	Status  *StatusOverlay
}

// SubGraph holds the nodes of one child machine.
type SubGraph struct {
	ID    string
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries what a run did in a state.
type StatusOverlay struct {
	Status   schema.ExecutionStatus
	Attempts int // instances of the state in the run, rollback legs included
	Error    string
}

// Edge connects two nodes by their IDs.
type Edge struct {
	From  string
	To    string
	Kind  EdgeKind
	Label string
}

// statusClass groups execution statuses into the few classes renderers color.
func statusClass(s schema.ExecutionStatus) string {
	switch s {
	case schema.StatusSuccess:
		return "success"
	case schema.StatusFailed, schema.StatusError:
		return "failed"
	case schema.StatusRunning, schema.StatusStarting, schema.StatusResumed:
		return "running"
	case schema.StatusPaused, schema.StatusPausedOnError, schema.StatusWaiting:
		return "paused"
	case schema.StatusAborting, schema.StatusAborted:
		return "aborted"
	case schema.StatusNew:
		return "pending"
	default:
		return ""
	}
}
