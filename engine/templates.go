package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/secret"
	"github.com/smallnest/stateflow/store"
)

// TemplateRequest describes a template to compile. Secrets carries the secret
// values by name; an empty value declares the secret without material.
type TemplateRequest struct {
	Namespace string               `json:"namespace"`
	Name      string               `json:"name"`
	Nodes     []graph.NodeInstance `json:"nodes"`
	Secrets   map[string]string    `json:"secrets"`
}

// UpsertTemplate compiles req and stores the result, replacing an existing
// template of the same name while keeping its creation time. Validation
// problems are reported through the returned template, not as an error.
func (e *Engine) UpsertTemplate(ctx context.Context, req TemplateRequest) (*graph.Template, error) {
	if req.Namespace == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: namespace and name are required", ErrInvalidArgument)
	}
	if err := e.secrets.Put(ctx, req.Namespace, req.Name, req.Secrets); err != nil {
		return nil, fmt.Errorf("failed to store secrets: %w", err)
	}

	tpl, err := e.compile(ctx, graph.CompileRequest{
		Namespace: req.Namespace,
		Name:      req.Name,
		Nodes:     req.Nodes,
		Secrets:   secret.Presence(req.Secrets),
	})
	if err != nil {
		return nil, err
	}
	if err := e.saveTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// RevalidateTemplate recompiles a stored template against the current node
// definitions and secret material. A PENDING template becomes VALID once every
// declared secret has a value.
func (e *Engine) RevalidateTemplate(ctx context.Context, namespace, name string) (*graph.Template, error) {
	current, err := e.GetTemplate(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	values, err := e.secrets.Get(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	presence := make(map[string]bool, len(current.Secrets))
	for k := range current.Secrets {
		presence[k] = values[k] != ""
	}

	tpl, err := e.compile(ctx, graph.CompileRequest{
		Namespace: namespace,
		Name:      name,
		Nodes:     current.Nodes,
		Secrets:   presence,
	})
	if err != nil {
		return nil, err
	}
	if err := e.saveTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate returns a stored template.
func (e *Engine) GetTemplate(ctx context.Context, namespace, name string) (*graph.Template, error) {
	tpl, err := e.store.GetTemplate(ctx, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s/%s: %w", namespace, name, err)
	}
	return tpl, nil
}

// ListTemplates returns the templates of namespace.
func (e *Engine) ListTemplates(ctx context.Context, namespace string) ([]*graph.Template, error) {
	tpls, err := e.store.ListTemplates(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return tpls, nil
}

func (e *Engine) compile(ctx context.Context, req graph.CompileRequest) (*graph.Template, error) {
	namespaces := []string{req.Namespace}
	for _, n := range req.Nodes {
		if n.Namespace != "" {
			namespaces = append(namespaces, n.Namespace)
		}
	}
	catalog, err := e.catalog(ctx, namespaces)
	if err != nil {
		return nil, err
	}
	return graph.Compile(req, catalog), nil
}

func (e *Engine) saveTemplate(ctx context.Context, tpl *graph.Template) error {
	now := e.clock()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	existing, err := e.store.GetTemplate(ctx, tpl.Namespace, tpl.Name)
	switch {
	case err == nil:
		tpl.CreatedAt = existing.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to get template: %w", err)
	}

	if err := e.store.PutTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	if tpl.ValidationStatus == graph.Invalid {
		e.logger.Warn("template %s/%s is invalid: %v", tpl.Namespace, tpl.Name, tpl.ValidationErrors)
	} else {
		e.logger.Info("template %s/%s compiled: %s", tpl.Namespace, tpl.Name, tpl.ValidationStatus)
	}
	return nil
}
