package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/smallnest/stateflow/state"
)

// Exporter renders a template or a run structure in different text formats.
type Exporter struct {
	vertices []vertex
	edges    [][2]string
	roots    []string
}

type vertex struct {
	id     string
	label  string
	status state.Status
}

// MermaidOptions defines configuration for Mermaid diagram generation
type MermaidOptions struct {
	// Direction of the flowchart (e.g., "TD", "LR")
	Direction string
}

// NewTemplateExporter renders the instance graph of a template.
func NewTemplateExporter(t *Template) *Exporter {
	e := &Exporter{}
	for _, n := range t.Nodes {
		e.vertices = append(e.vertices, vertex{id: n.Identifier, label: fmt.Sprintf("%s (%s)", n.Identifier, n.NodeName)})
		for _, next := range n.NextNodes {
			e.edges = append(e.edges, [2]string{n.Identifier, next})
		}
	}
	e.roots = t.Roots()
	return e
}

// NewRunExporter renders the states of a run.
func NewRunExporter(s *Structure) *Exporter {
	e := &Exporter{}
	for _, n := range s.Nodes {
		e.vertices = append(e.vertices, vertex{id: n.ID, label: fmt.Sprintf("%s [%s]", n.Identifier, n.Status), status: n.Status})
	}
	for _, edge := range s.Edges {
		e.edges = append(e.edges, [2]string{edge.Source, edge.Target})
	}
	for _, r := range s.RootNodes {
		e.roots = append(e.roots, r.ID)
	}
	return e
}

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9_]`)

func mermaidID(id string) string {
	return "n_" + unsafeID.ReplaceAllString(id, "_")
}

var statusFill = map[state.Status]string{
	state.Success:      "#90EE90",
	state.NextCreated:  "#87CEEB",
	state.Cancelled:    "#FFB6C1",
	state.Errored:      "#FFB6C1",
	state.TimedOut:     "#FFE4B5",
	state.RetryCreated: "#FFE4B5",
	state.Queued:       "#FFFFE0",
}

// DrawMermaid generates a Mermaid diagram
func (e *Exporter) DrawMermaid() string {
	return e.DrawMermaidWithOptions(MermaidOptions{Direction: "TD"})
}

// DrawMermaidWithOptions generates a Mermaid diagram with custom options
func (e *Exporter) DrawMermaidWithOptions(opts MermaidOptions) string {
	var sb strings.Builder

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}
	sb.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	for _, v := range e.vertices {
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", mermaidID(v.id), v.label))
	}
	for _, edge := range e.edges {
		sb.WriteString(fmt.Sprintf("    %s --> %s\n", mermaidID(edge[0]), mermaidID(edge[1])))
	}
	for _, v := range e.vertices {
		if fill, ok := statusFill[v.status]; ok {
			sb.WriteString(fmt.Sprintf("    style %s fill:%s\n", mermaidID(v.id), fill))
		}
	}
	return sb.String()
}

// DrawDOT generates a DOT (Graphviz) representation
func (e *Exporter) DrawDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph G {\n")
	sb.WriteString("    rankdir=TD;\n")
	sb.WriteString("    node [shape=box];\n")
	for _, v := range e.vertices {
		attrs := fmt.Sprintf("label=%q", v.label)
		if fill, ok := statusFill[v.status]; ok {
			attrs += fmt.Sprintf(", style=filled, fillcolor=%q", fill)
		}
		sb.WriteString(fmt.Sprintf("    %q [%s];\n", v.id, attrs))
	}
	for _, edge := range e.edges {
		sb.WriteString(fmt.Sprintf("    %q -> %q;\n", edge[0], edge[1]))
	}
	sb.WriteString("}\n")
	return sb.String()
}

// DrawASCII generates an ASCII tree starting from every root.
func (e *Exporter) DrawASCII() string {
	if len(e.roots) == 0 {
		return "No root nodes\n"
	}

	labels := make(map[string]string, len(e.vertices))
	for _, v := range e.vertices {
		labels[v.id] = v.label
	}
	children := make(map[string][]string)
	for _, edge := range e.edges {
		children[edge[0]] = append(children[edge[0]], edge[1])
	}
	for k := range children {
		sort.Strings(children[k])
	}

	var sb strings.Builder
	sb.WriteString("Graph Execution Flow:\n")
	visited := make(map[string]bool)
	for i, r := range e.roots {
		drawASCIINode(r, "", i == len(e.roots)-1, labels, children, visited, &sb)
	}
	return sb.String()
}

func drawASCIINode(id, prefix string, isLast bool, labels map[string]string, children map[string][]string, visited map[string]bool, sb *strings.Builder) {
	connector := "├──"
	nextPrefix := prefix + "│   "
	if isLast {
		connector = "└──"
		nextPrefix = prefix + "    "
	}

	label, ok := labels[id]
	if !ok {
		label = id + " (missing)"
	}
	if visited[id] {
		sb.WriteString(fmt.Sprintf("%s%s %s (seen)\n", prefix, connector, label))
		return
	}
	visited[id] = true
	sb.WriteString(fmt.Sprintf("%s%s %s\n", prefix, connector, label))

	kids := children[id]
	for i, child := range kids {
		drawASCIINode(child, nextPrefix, i == len(kids)-1, labels, children, visited, sb)
	}
}
