package main

import (
	"fmt"
	"os"

	"github.com/smallnest/stateflow/engine"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"gopkg.in/yaml.v3"
)

// nodesFile is the YAML layout of a runtime's node registrations.
type nodesFile struct {
	Namespace string     `yaml:"namespace"`
	Runtime   string     `yaml:"runtime"`
	Nodes     []nodeSpec `yaml:"nodes"`
}

type nodeSpec struct {
	Name          string         `yaml:"name"`
	InputsSchema  map[string]any `yaml:"inputs_schema"`
	OutputsSchema map[string]any `yaml:"outputs_schema"`
	Secrets       []string       `yaml:"secrets"`
}

// templateFile is the YAML layout of a graph template.
type templateFile struct {
	Namespace string            `yaml:"namespace"`
	Name      string            `yaml:"name"`
	Secrets   map[string]string `yaml:"secrets"`
	Nodes     []instanceSpec    `yaml:"nodes"`
}

type instanceSpec struct {
	NodeName   string         `yaml:"node_name"`
	Namespace  string         `yaml:"namespace"`
	Identifier string         `yaml:"identifier"`
	Inputs     map[string]any `yaml:"inputs"`
	NextNodes  []string       `yaml:"next_nodes"`
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func loadNodes(path, defaultNamespace string) (*nodesFile, []node.Definition, error) {
	var f nodesFile
	if err := readYAML(path, &f); err != nil {
		return nil, nil, err
	}
	if f.Namespace == "" {
		f.Namespace = defaultNamespace
	}
	if f.Runtime == "" {
		return nil, nil, fmt.Errorf("%s: runtime is required", path)
	}
	defs := make([]node.Definition, len(f.Nodes))
	for i, n := range f.Nodes {
		defs[i] = node.Definition{
			Name:          n.Name,
			InputsSchema:  n.InputsSchema,
			OutputsSchema: n.OutputsSchema,
			Secrets:       n.Secrets,
		}
	}
	return &f, defs, nil
}

func loadTemplate(path, defaultNamespace string) (engine.TemplateRequest, error) {
	var f templateFile
	if err := readYAML(path, &f); err != nil {
		return engine.TemplateRequest{}, err
	}
	if f.Namespace == "" {
		f.Namespace = defaultNamespace
	}
	req := engine.TemplateRequest{
		Namespace: f.Namespace,
		Name:      f.Name,
		Secrets:   f.Secrets,
		Nodes:     make([]graph.NodeInstance, len(f.Nodes)),
	}
	for i, n := range f.Nodes {
		req.Nodes[i] = graph.NodeInstance{
			NodeName:   n.NodeName,
			Namespace:  n.Namespace,
			Identifier: n.Identifier,
			Inputs:     n.Inputs,
			NextNodes:  n.NextNodes,
		}
	}
	return req, nil
}
