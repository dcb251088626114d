package graph

import (
	"errors"
	"testing"

	"github.com/smallnest/stateflow/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *node.Catalog {
	return node.NewCatalog(
		&node.Definition{Namespace: "ns", RuntimeName: "rt1", Name: "fetch"},
		&node.Definition{Namespace: "ns", RuntimeName: "rt1", Name: "auth", Secrets: []string{"api_key"}},
		&node.Definition{
			Namespace:   "ns",
			RuntimeName: "rt1",
			Name:        "produce",
			OutputsSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		},
		&node.Definition{
			Namespace:    "ns",
			RuntimeName:  "rt1",
			Name:         "consume",
			InputsSchema: map[string]any{"type": "object", "required": []any{"text", "lang"}},
		},
		&node.Definition{Namespace: "ns", RuntimeName: "rt1", Name: "dup"},
		&node.Definition{Namespace: "ns", RuntimeName: "rt2", Name: "dup"},
	)
}

func kinds(tpl *Template) []ErrorKind {
	out := make([]ErrorKind, len(tpl.Issues))
	for i, issue := range tpl.Issues {
		out[i] = issue.Kind
	}
	return out
}

func TestCompileValidTemplate(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Name:      "pipeline",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
			{NodeName: "fetch", Identifier: "B"},
		},
	}, testCatalog())

	assert.Equal(t, Valid, tpl.ValidationStatus)
	assert.Empty(t, tpl.ValidationErrors)
	assert.NoError(t, tpl.Err())
	assert.True(t, tpl.Executable())
	assert.Equal(t, "ns", tpl.Nodes[0].Namespace)
	assert.Equal(t, []string{}, tpl.Nodes[1].NextNodes)
	require.Contains(t, tpl.Resolved, "A")
	assert.Equal(t, "rt1", tpl.Resolved["A"].RuntimeName)
	assert.Equal(t, []string{"A"}, tpl.Roots())
}

func TestCompileDetectsCycle(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Name:      "loop",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
			{NodeName: "fetch", Identifier: "B", NextNodes: []string{"A"}},
		},
	}, testCatalog())

	assert.Equal(t, Invalid, tpl.ValidationStatus)
	require.Equal(t, []ErrorKind{CycleDetected}, kinds(tpl))
	assert.Equal(t, []string{"A", "B", "A"}, tpl.Issues[0].Path)
	assert.Contains(t, tpl.ValidationErrors[0], "A -> B -> A")
	assert.True(t, errors.Is(tpl.Err(), ErrCycleDetected))
	assert.False(t, tpl.Executable())
}

func TestCompileDetectsSelfLoopAndLongCycle(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "S", NextNodes: []string{"S"}},
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
			{NodeName: "fetch", Identifier: "B", NextNodes: []string{"C"}},
			{NodeName: "fetch", Identifier: "C", NextNodes: []string{"A"}},
		},
	}, testCatalog())

	require.Equal(t, []ErrorKind{CycleDetected, CycleDetected}, kinds(tpl))
	assert.Equal(t, []string{"S", "S"}, tpl.Issues[0].Path)
	assert.Equal(t, []string{"A", "B", "C", "A"}, tpl.Issues[1].Path)
}

func TestCompileDiamondIsAcyclic(t *testing.T) {
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

	assert.Equal(t, Valid, tpl.ValidationStatus)
	assert.ElementsMatch(t, []string{"B", "C"}, tpl.Upstream("D"))
}

func TestCompileDanglingEdge(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"Z"}},
		},
	}, testCatalog())

	assert.Equal(t, Invalid, tpl.ValidationStatus)
	require.Equal(t, []ErrorKind{DanglingEdge}, kinds(tpl))
	assert.Equal(t, []string{"A", "Z"}, tpl.Issues[0].Path)
	assert.ErrorIs(t, tpl.Err(), ErrDanglingEdge)
}

func TestCompileCollectsAllErrorsInOrder(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Nodes: []NodeInstance{
			{NodeName: "missing", Identifier: "A", NextNodes: []string{"B", "Q"}},
			{NodeName: "auth", Identifier: "B", NextNodes: []string{"A"}},
			{NodeName: "dup", Identifier: "C"},
			{NodeName: "fetch", Identifier: "C"},
		},
	}, testCatalog())

	assert.Equal(t, Invalid, tpl.ValidationStatus)
	assert.Equal(t, []ErrorKind{
		DuplicateIdentifier,
		UnknownNode,
		AmbiguousNode,
		CycleDetected,
		DanglingEdge,
		MissingSecret,
	}, kinds(tpl))
	assert.Len(t, tpl.ValidationErrors, 6)
}

func TestCompileSecrets(t *testing.T) {
	t.Parallel()

	nodes := []NodeInstance{{NodeName: "auth", Identifier: "A"}}

	missing := Compile(CompileRequest{Namespace: "ns", Nodes: nodes}, testCatalog())
	assert.Equal(t, Invalid, missing.ValidationStatus)
	assert.Equal(t, []ErrorKind{MissingSecret}, kinds(missing))

	pending := Compile(CompileRequest{Namespace: "ns", Nodes: nodes, Secrets: map[string]bool{"api_key": false}}, testCatalog())
	assert.Equal(t, Pending, pending.ValidationStatus)
	assert.False(t, pending.Executable())

	valid := Compile(CompileRequest{Namespace: "ns", Nodes: nodes, Secrets: map[string]bool{"api_key": true}}, testCatalog())
	assert.Equal(t, Valid, valid.ValidationStatus)
}

func TestCompileInputs(t *testing.T) {
	t.Parallel()

	t.Run("required input missing upstream", func(t *testing.T) {
		t.Parallel()

		tpl := Compile(CompileRequest{
			Namespace: "ns",
			Nodes: []NodeInstance{
				{NodeName: "produce", Identifier: "P", NextNodes: []string{"C"}},
				{NodeName: "consume", Identifier: "C"},
			},
		}, testCatalog())
		require.Equal(t, []ErrorKind{UnsatisfiedInput}, kinds(tpl))
		assert.Contains(t, tpl.ValidationErrors[0], "lang")
	})

	t.Run("required input from static inputs and upstream", func(t *testing.T) {
		t.Parallel()

		tpl := Compile(CompileRequest{
			Namespace: "ns",
			Nodes: []NodeInstance{
				{NodeName: "produce", Identifier: "P", NextNodes: []string{"C"}},
				{NodeName: "consume", Identifier: "C", Inputs: map[string]any{"lang": "en"}},
			},
		}, testCatalog())
		assert.Equal(t, Valid, tpl.ValidationStatus)
	})

	t.Run("open upstream schema satisfies anything", func(t *testing.T) {
		t.Parallel()

		tpl := Compile(CompileRequest{
			Namespace: "ns",
			Nodes: []NodeInstance{
				{NodeName: "fetch", Identifier: "F", NextNodes: []string{"C"}},
				{NodeName: "consume", Identifier: "C"},
			},
		}, testCatalog())
		assert.Equal(t, Valid, tpl.ValidationStatus)
	})

	t.Run("root inputs are checked at create time", func(t *testing.T) {
		t.Parallel()

		tpl := Compile(CompileRequest{
			Namespace: "ns",
			Nodes:     []NodeInstance{{NodeName: "consume", Identifier: "C"}},
		}, testCatalog())
		assert.Equal(t, Valid, tpl.ValidationStatus)
	})

	t.Run("placeholder must reference upstream", func(t *testing.T) {
		t.Parallel()

		tpl := Compile(CompileRequest{
			Namespace: "ns",
			Nodes: []NodeInstance{
				{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}},
				{NodeName: "fetch", Identifier: "B", Inputs: map[string]any{
					"ok":  "${{ A.outputs.x }}",
					"bad": "prefix ${{ B.outputs.y }}",
				}},
			},
		}, testCatalog())
		require.Equal(t, []ErrorKind{InvalidInputReference}, kinds(tpl))
		assert.Equal(t, []string{"B", "B"}, tpl.Issues[0].Path)
	})
}

func TestTemplateCloneIsIndependent(t *testing.T) {
	t.Parallel()

	tpl := Compile(CompileRequest{
		Namespace: "ns",
		Nodes: []NodeInstance{
			{NodeName: "fetch", Identifier: "A", NextNodes: []string{"B"}, Inputs: map[string]any{"k": "v"}},
			{NodeName: "fetch", Identifier: "B"},
		},
		Secrets: map[string]bool{"s": true},
	}, testCatalog())

	c := tpl.Clone()
	c.Nodes[0].NextNodes[0] = "X"
	c.Nodes[0].Inputs["k"] = "changed"
	c.Secrets["s"] = false

	assert.Equal(t, "B", tpl.Nodes[0].NextNodes[0])
	assert.Equal(t, "v", tpl.Nodes[0].Inputs["k"])
	assert.True(t, tpl.Secrets["s"])
}
