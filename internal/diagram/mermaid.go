package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("flowchart TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, sg := range model.SubGraphs {
		fmt.Fprintf(&b, "    subgraph %s[\"%s\"]\n", sg.ID, mermaidEscapeLabel(sg.Label))
		for _, node := range sg.Nodes {
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
		}
		for _, edge := range sg.Edges {
			fmt.Fprintf(&b, "        %s\n", mermaidEdge(edge))
		}
		b.WriteString("    end\n")
	}
	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef aborted fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	writeClass := func(node *Node) {
		if node.Status == nil {
			return
		}
		if cls := statusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", node.ID, cls)
		}
	}
	for _, node := range model.Nodes {
		writeClass(node)
	}
	for _, sg := range model.SubGraphs {
		for _, node := range sg.Nodes {
			writeClass(node)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Status != nil && node.Status.Attempts > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Attempts)
	}

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{\"%s\"}", node.ID, label)
	case NodeKindPause, NodeKindWait:
		return fmt.Sprintf("%s([\"%s\"])", node.ID, label)
	case NodeKindFork, NodeKindRepeat:
		return fmt.Sprintf("%s[[\"%s\"]]", node.ID, label)
	case NodeKindStart:
		return fmt.Sprintf("%s((\"%s\"))", node.ID, label)
	case NodeKindEnd:
		return fmt.Sprintf("%s(((\"%s\")))", node.ID, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", node.ID, label)
	}
}

func mermaidEdge(edge Edge) string {
	arrow := "-->"
	switch edge.Kind {
	case EdgeFailure:
		arrow = "-.->"
	case EdgeSpawn:
		arrow = "==>"
	}
	if edge.Label != "" {
		return fmt.Sprintf("%s %s|%s| %s", edge.From, arrow, mermaidEscapeLabel(edge.Label), edge.To)
	}
	return fmt.Sprintf("%s %s %s", edge.From, arrow, edge.To)
}

// mermaidEscapeLabel escapes characters that end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "#124;").Replace(s)
}
