package graph

import (
	"testing"
	"time"

	"github.com/smallnest/stateflow/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStates() []*state.State {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []*state.State{
		{ID: "s3", Identifier: "B", NodeName: "fetch", Status: state.Success, Parents: map[string]string{"A": "s1"}, CreatedAt: base.Add(2 * time.Second)},
		{ID: "s1", Identifier: "A", NodeName: "fetch", Status: state.NextCreated, Parents: map[string]string{}, CreatedAt: base},
		{ID: "s2", Identifier: "X", NodeName: "other", Status: state.Cancelled, CreatedAt: base.Add(time.Second)},
		{ID: "s4", Identifier: "B", NodeName: "fetch", Status: state.Created, Parents: map[string]string{"A": "s1", "ignored": ""}, CreatedAt: base.Add(2 * time.Second)},
	}
}

func TestBuildStructure(t *testing.T) {
	t.Parallel()

	s := BuildStructure("ns", "r1", "pipeline", runStates())

	assert.Equal(t, "pipeline", s.GraphName)
	assert.Equal(t, 4, s.NodeCount)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, []string{s.Nodes[0].ID, s.Nodes[1].ID, s.Nodes[2].ID, s.Nodes[3].ID})

	require.Len(t, s.RootNodes, 2)
	assert.Equal(t, "s1", s.RootNodes[0].ID)
	assert.Equal(t, "s2", s.RootNodes[1].ID)

	assert.Equal(t, 2, s.EdgeCount)
	assert.Equal(t, StructureEdge{ID: "s1->s3", Source: "s1", Target: "s3", Role: "A"}, s.Edges[0])
	assert.Equal(t, "s4", s.Edges[1].Target)

	assert.Equal(t, map[state.Status]int{
		state.NextCreated: 1,
		state.Success:     1,
		state.Cancelled:   1,
		state.Created:     1,
	}, s.ExecutionSummary)
}

func TestBuildStructureEmptyRun(t *testing.T) {
	t.Parallel()

	s := BuildStructure("ns", "r1", "pipeline", nil)
	assert.Zero(t, s.NodeCount)
	assert.Zero(t, s.EdgeCount)
	assert.NotNil(t, s.RootNodes)
	assert.Empty(t, s.ExecutionSummary)
}

func TestRunExporter(t *testing.T) {
	t.Parallel()

	e := NewRunExporter(BuildStructure("ns", "r1", "pipeline", runStates()))

	mermaid := e.DrawMermaid()
	assert.Contains(t, mermaid, "flowchart TD")
	assert.Contains(t, mermaid, "n_s1 --> n_s3")
	assert.Contains(t, mermaid, "style n_s3 fill:#90EE90")
	assert.Contains(t, e.DrawMermaidWithOptions(MermaidOptions{Direction: "LR"}), "flowchart LR")

	dot := e.DrawDOT()
	assert.Contains(t, dot, `"s1" -> "s3";`)
	assert.Contains(t, dot, `label="B [SUCCESS]"`)

	ascii := e.DrawASCII()
	assert.Contains(t, ascii, "A [NEXT_CREATED]")
	assert.Contains(t, ascii, "│   ├── B [SUCCESS]")
	assert.Contains(t, ascii, "X [CANCELLED]")
}

func TestTemplateExporter(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B", "C"}},
			{NodeName: "fetch", Identifier: "B", NextNodes: []string{"D"}},
			{NodeName: "fetch", Identifier: "C", NextNodes: []string{"D"}},
			{NodeName: "fetch", Identifier: "D"},
		},
	}, testCatalog())

	e := NewTemplateExporter(tpl)
	assert.Contains(t, e.DrawMermaid(), "n_A --> n_B")
	ascii := e.DrawASCII()
	assert.Contains(t, ascii, "└── A (fetch)")
	assert.Contains(t, ascii, "D (fetch) (seen)")

	empty := &Exporter{}
	assert.Equal(t, "No root nodes\n", empty.DrawASCII())
}

func TestDeriveInputs(t *testing.T) {
	t.Parallel()

	outputs := state.Document{"x": 1, "items": []any{"a"}, "name": "doc"}
	static := state.Document{
		"count":  "${{ A.outputs.x }}",
		"title":  "report for ${{ A.outputs.name }}",
		"other":  "${{ Z.outputs.x }}",
		"nested": map[string]any{"k": "v"},
		"x":      "override",
	}

	inputs := DeriveInputs(static, "A", outputs)

	assert.Equal(t, 1, inputs["count"])
	assert.Equal(t, "report for doc", inputs["title"])
	assert.Equal(t, "${{ Z.outputs.x }}", inputs["other"])
	assert.Equal(t, "override", inputs["x"])
	assert.Equal(t, []any{"a"}, inputs["items"])

	inputs["items"].([]any)[0] = "b"
	assert.Equal(t, "a", outputs["items"].([]any)[0])
}
