package graph

import (
	"errors"
	"slices"
	"sort"

	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
)

// CompileRequest is the caller-supplied description of a template.
type CompileRequest struct {
	Namespace string
	Name      string
	Nodes     []NodeInstance
	// Secrets maps each declared secret name to whether its material is available.
	Secrets map[string]bool
}

// Compile validates the request against the catalog and returns the compiled
// template. Every problem is collected; validation never stops at the first one.
func Compile(req CompileRequest, catalog *node.Catalog) *Template {
	tpl := &Template{
		Namespace: req.Namespace,
		Name:      req.Name,
		Nodes:     make([]NodeInstance, len(req.Nodes)),
		Secrets:   make(map[string]bool, len(req.Secrets)),
		Resolved:  make(map[string]*node.Definition),
	}
	for k, v := range req.Secrets {
		tpl.Secrets[k] = v
	}
	for i, n := range req.Nodes {
		if n.Namespace == "" {
			n.Namespace = req.Namespace
		}
		n.Inputs = state.CloneDocument(n.Inputs)
		n.NextNodes = slices.Clone(n.NextNodes)
		if n.NextNodes == nil {
			n.NextNodes = []string{}
		}
		tpl.Nodes[i] = n
	}

	c := &compiler{tpl: tpl, catalog: catalog, index: make(map[string]int)}
	c.checkIdentifiers()
	c.resolveNodes()
	c.detectCycles()
	c.checkEdges()
	c.checkSecrets()
	c.checkInputs()

	tpl.Issues = c.issues
	for _, issue := range c.issues {
		tpl.ValidationErrors = append(tpl.ValidationErrors, issue.Message)
	}
	switch {
	case len(c.issues) > 0:
		tpl.ValidationStatus = Invalid
	case c.awaitingSecrets():
		tpl.ValidationStatus = Pending
	default:
		tpl.ValidationStatus = Valid
	}
	return tpl
}

type compiler struct {
	tpl     *Template
	catalog *node.Catalog
	// index maps an identifier to the position of its first declaration.
	index  map[string]int
	issues []ValidationError
}

func (c *compiler) add(issue ValidationError) {
	c.issues = append(c.issues, issue)
}

// primary reports whether position i holds the first declaration of its identifier.
func (c *compiler) primary(i int) bool {
	id := c.tpl.Nodes[i].Identifier
	j, ok := c.index[id]
	return ok && j == i
}

func (c *compiler) checkIdentifiers() {
	for i, n := range c.tpl.Nodes {
		if n.Identifier == "" {
			c.add(newIssue(DuplicateIdentifier, "", nil, "node %d (%s) has an empty identifier", i, n.NodeName))
			continue
		}
		if _, ok := c.index[n.Identifier]; ok {
			c.add(newIssue(DuplicateIdentifier, n.Identifier, nil, "identifier %s is declared more than once", n.Identifier))
			continue
		}
		c.index[n.Identifier] = i
	}
}

func (c *compiler) resolveNodes() {
	for i, n := range c.tpl.Nodes {
		if !c.primary(i) {
			continue
		}
		def, err := c.catalog.Resolve(n.Namespace, n.NodeName)
		switch {
		case err == nil:
			c.tpl.Resolved[n.Identifier] = def.Clone()
		case errors.Is(err, node.ErrAmbiguous):
			c.add(newIssue(AmbiguousNode, n.Identifier, nil, "node %s of %s is registered by more than one runtime", n.NodeName, n.Identifier))
		default:
			c.add(newIssue(UnknownNode, n.Identifier, nil, "node %s of %s is not registered in namespace %s", n.NodeName, n.Identifier, n.Namespace))
		}
	}
}

// detectCycles runs a three-colour depth-first traversal in declaration order and
// reports one cycle per back-edge.
func (c *compiler) detectCycles() {
	const (
		white = iota
		gray
		black
	)
	nodes := c.tpl.Nodes
	color := make([]int, len(nodes))
	var path []int

	var visit func(u int)
	visit = func(u int) {
		color[u] = gray
		path = append(path, u)
		for _, next := range nodes[u].NextNodes {
			v, ok := c.index[next]
			if !ok {
				continue
			}
			switch color[v] {
			case white:
				visit(v)
			case gray:
				start := slices.Index(path, v)
				chain := make([]string, 0, len(path)-start+1)
				for _, p := range path[start:] {
					chain = append(chain, nodes[p].Identifier)
				}
				chain = append(chain, nodes[v].Identifier)
				c.add(newIssue(CycleDetected, nodes[v].Identifier, chain, "%s", formatPath(chain)))
			}
		}
		path = path[:len(path)-1]
		color[u] = black
	}

	for i := range nodes {
		if c.primary(i) && color[i] == white {
			visit(i)
		}
	}
}

func (c *compiler) checkEdges() {
	for i, n := range c.tpl.Nodes {
		if !c.primary(i) {
			continue
		}
		for _, next := range n.NextNodes {
			if _, ok := c.index[next]; !ok {
				c.add(newIssue(DanglingEdge, n.Identifier, []string{n.Identifier, next}, "%s references missing identifier %s", n.Identifier, next))
			}
		}
	}
}

func (c *compiler) checkSecrets() {
	for i, n := range c.tpl.Nodes {
		if !c.primary(i) {
			continue
		}
		def, ok := c.tpl.Resolved[n.Identifier]
		if !ok {
			continue
		}
		for _, name := range def.Secrets {
			if _, declared := c.tpl.Secrets[name]; !declared {
				c.add(newIssue(MissingSecret, n.Identifier, nil, "node %s of %s requires secret %s", def.Name, n.Identifier, name))
			}
		}
	}
}

// checkInputs verifies that every required input of a non-root instance can be
// filled from its static inputs or its upstream outputs, and that placeholders
// only reference upstream instances. Root inputs are checked when states are created.
func (c *compiler) checkInputs() {
	for i, n := range c.tpl.Nodes {
		if !c.primary(i) {
			continue
		}
		upstream := c.tpl.Upstream(n.Identifier)

		for _, key := range sortedKeys(n.Inputs) {
			for _, ref := range referencesIn(n.Inputs[key]) {
				if !slices.Contains(upstream, ref.Identifier) {
					c.add(newIssue(InvalidInputReference, n.Identifier, []string{ref.Identifier, n.Identifier},
						"input %s of %s references %s, which is not upstream", key, n.Identifier, ref.Identifier))
				}
			}
		}

		def, ok := c.tpl.Resolved[n.Identifier]
		if !ok || len(upstream) == 0 {
			continue
		}
		available := make(map[string]bool)
		open := false
		for k := range n.Inputs {
			available[k] = true
		}
		for _, up := range upstream {
			upDef, ok := c.tpl.Resolved[up]
			if !ok {
				open = true
				continue
			}
			fields := upDef.OutputFields()
			if len(fields) == 0 {
				open = true
			}
			for _, f := range fields {
				available[f] = true
			}
		}
		if open {
			continue
		}
		for _, req := range def.RequiredInputs() {
			if !available[req] {
				c.add(newIssue(UnsatisfiedInput, n.Identifier, nil, "required input %s of %s is neither set nor produced upstream", req, n.Identifier))
			}
		}
	}
}

func (c *compiler) awaitingSecrets() bool {
	for _, present := range c.tpl.Secrets {
		if !present {
			return true
		}
	}
	return false
}

func sortedKeys(doc state.Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
