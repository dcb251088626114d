package graph

import (
	"slices"
	"time"

	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
)

// ValidationStatus is the derived validity of a graph template.
type ValidationStatus string

const (
	// Valid templates may instantiate states.
	Valid ValidationStatus = "VALID"
	// Invalid templates carry at least one validation error.
	Invalid ValidationStatus = "INVALID"
	// Pending templates wait for secret material before they can be validated.
	Pending ValidationStatus = "PENDING"
)

// NodeInstance is one use of a registered node inside a template.
type NodeInstance struct {
	NodeName   string         `json:"node_name"`
	Namespace  string         `json:"namespace"`
	Identifier string         `json:"identifier"`
	Inputs     state.Document `json:"inputs"`
	NextNodes  []string       `json:"next_nodes"`
}

// Template is a compiled, named DAG of node instances.
type Template struct {
	Namespace        string            `json:"namespace"`
	Name             string            `json:"name"`
	Nodes            []NodeInstance    `json:"nodes"`
	Secrets          map[string]bool   `json:"secrets"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	Issues           []ValidationError `json:"issues,omitempty"`

	// Resolved holds the definition each identifier resolved to at compile time.
	Resolved map[string]*node.Definition `json:"resolved,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Executable reports whether runs may create states from the template.
func (t *Template) Executable() bool {
	return t.ValidationStatus == Valid
}

// Node returns the instance with the given identifier.
func (t *Template) Node(identifier string) (NodeInstance, bool) {
	for _, n := range t.Nodes {
		if n.Identifier == identifier {
			return n, true
		}
	}
	return NodeInstance{}, false
}

// Downstream returns the instances reached by the edges leaving identifier.
func (t *Template) Downstream(identifier string) []NodeInstance {
	n, ok := t.Node(identifier)
	if !ok {
		return nil
	}
	out := make([]NodeInstance, 0, len(n.NextNodes))
	for _, next := range n.NextNodes {
		if inst, ok := t.Node(next); ok {
			out = append(out, inst)
		}
	}
	return out
}

// Upstream returns the identifiers with an edge into identifier.
func (t *Template) Upstream(identifier string) []string {
	var out []string
	for _, n := range t.Nodes {
		if slices.Contains(n.NextNodes, identifier) {
			out = append(out, n.Identifier)
		}
	}
	return out
}

// Roots returns the identifiers no edge points to.
func (t *Template) Roots() []string {
	var out []string
	for _, n := range t.Nodes {
		if len(t.Upstream(n.Identifier)) == 0 {
			out = append(out, n.Identifier)
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Nodes = make([]NodeInstance, len(t.Nodes))
	for i, n := range t.Nodes {
		n.Inputs = state.CloneDocument(n.Inputs)
		n.NextNodes = slices.Clone(n.NextNodes)
		c.Nodes[i] = n
	}
	c.Secrets = make(map[string]bool, len(t.Secrets))
	for k, v := range t.Secrets {
		c.Secrets[k] = v
	}
	c.ValidationErrors = slices.Clone(t.ValidationErrors)
	c.Issues = slices.Clone(t.Issues)
	if t.Resolved != nil {
		c.Resolved = make(map[string]*node.Definition, len(t.Resolved))
		for k, d := range t.Resolved {
			c.Resolved[k] = d.Clone()
		}
	}
	return &c
}
