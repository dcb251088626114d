// Package node defines registered operator types and the schema checks applied to them.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrNotFound is returned when no definition matches a lookup.
	ErrNotFound = errors.New("node definition not found")

	// ErrAmbiguous is returned when a node name is registered by more than one runtime.
	ErrAmbiguous = errors.New("node name registered by multiple runtimes")
)

// Definition is a registered operator type.
type Definition struct {
	Namespace     string         `json:"namespace"`
	RuntimeName   string         `json:"runtime_name"`
	Name          string         `json:"name"`
	InputsSchema  map[string]any `json:"inputs_schema"`
	OutputsSchema map[string]any `json:"outputs_schema"`
	Secrets       []string       `json:"secrets"`
}

// SchemaError reports a structurally invalid schema.
type SchemaError struct {
	Node  string
	Field string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s of node %s: %v", e.Field, e.Node, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Validate checks that the definition is named and that both schemas describe objects.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &SchemaError{Node: "<unnamed>", Field: "name", Err: errors.New("name is required")}
	}
	if _, err := CompileSchema(d.InputsSchema); err != nil {
		return &SchemaError{Node: d.Name, Field: "inputs_schema", Err: err}
	}
	if _, err := CompileSchema(d.OutputsSchema); err != nil {
		return &SchemaError{Node: d.Name, Field: "outputs_schema", Err: err}
	}
	return nil
}

// RequiredInputs returns the required property names of the inputs schema.
func (d *Definition) RequiredInputs() []string {
	s, err := parseSchema(d.InputsSchema)
	if err != nil {
		return nil
	}
	req := slices.Clone(s.Required)
	sort.Strings(req)
	return req
}

// OutputFields returns the property names declared by the outputs schema.
func (d *Definition) OutputFields() []string {
	s, err := parseSchema(d.OutputsSchema)
	if err != nil {
		return nil
	}
	fields := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

// ValidateInputs checks a document against the inputs schema.
func (d *Definition) ValidateInputs(inputs map[string]any) error {
	resolved, err := CompileSchema(d.InputsSchema)
	if err != nil {
		return &SchemaError{Node: d.Name, Field: "inputs_schema", Err: err}
	}
	instance, err := normalize(inputs)
	if err != nil {
		return err
	}
	return resolved.Validate(instance)
}

// Clone returns a copy safe to hand to callers.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Secrets = slices.Clone(d.Secrets)
	return &c
}

// CompileSchema parses a raw schema document and resolves it. An empty or nil
// document is the open object schema.
func CompileSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	s, err := parseSchema(raw)
	if err != nil {
		return nil, err
	}
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("schema type must be object, got %q", s.Type)
	}
	if len(s.Types) > 0 && !slices.Contains(s.Types, "object") {
		return nil, fmt.Errorf("schema types %v do not include object", s.Types)
	}
	return s.Resolve(nil)
}

func parseSchema(raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	return &s, nil
}

// normalize converts Go values into their JSON decoded form so that numbers
// and nested structures validate consistently.
func normalize(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return out, nil
}
