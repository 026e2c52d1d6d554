package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat is an output format of RenderImage.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage lays out a DiagramModel with graphviz dot and renders it in
// the given format.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG:
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Child machines are dashed clusters; dot only boxes subgraphs whose
	// name starts with "cluster".
	for _, sg := range model.SubGraphs {
		sub, subErr := graph.CreateSubGraphByName(sg.ID)
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create subgraph %s: %w", sg.ID, subErr)
		}
		sub.SetLabel(sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)

		for _, node := range sg.Nodes {
			gvNode, nErr := sub.CreateNodeByName(node.ID)
			if nErr != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
			}
			applyNodeStyle(gvNode, node)
			gvNodes[node.ID] = gvNode
		}
	}

	edges := append([]Edge(nil), model.Edges...)
	for _, sg := range model.SubGraphs {
		edges = append(edges, sg.Edges...)
	}
	for _, edge := range edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", from, to)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		applyEdgeStyle(e, edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	label := firstLine(node.Label)
	if node.Kind != NodeKindStart && node.Kind != NodeKindEnd {
		label = node.Label
	}
	if node.Status != nil && node.Status.Attempts > 1 {
		label = fmt.Sprintf("%s\nx%d", label, node.Status.Attempts)
	}
	gvNode.SetLabel(label)

	switch node.Kind {
	case NodeKindTask, NodeKindFork, NodeKindRepeat:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindPause:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, statusClass(node.Status.Status))
	}
}

// applyStatusColor sets fill color and style based on status class.
func applyStatusColor(gvNode *cgraph.Node, class string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch class {
	case "success":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "paused":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "aborted":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}

func applyEdgeStyle(e *cgraph.Edge, edge Edge) {
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	switch edge.Kind {
	case EdgeFailure:
		e.SetStyle(cgraph.DashedEdgeStyle)
		e.SetColor("#8b1a1a")
	case EdgeSpawn:
		e.SetStyle(cgraph.BoldEdgeStyle)
	}
}
