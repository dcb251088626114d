package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/store"
)

// RegisterNodes upserts the definitions of runtime in namespace and returns the
// accepted set. One invalid schema rejects the whole call.
func (e *Engine) RegisterNodes(ctx context.Context, namespace, runtime string, defs []node.Definition) ([]*node.Definition, error) {
	if namespace == "" || runtime == "" {
		return nil, fmt.Errorf("%w: namespace and runtime name are required", ErrInvalidArgument)
	}

	accepted := make([]*node.Definition, 0, len(defs))
	for i := range defs {
		d := defs[i].Clone()
		d.Namespace = namespace
		d.RuntimeName = runtime
		if err := d.Validate(); err != nil {
			return nil, err
		}
		accepted = append(accepted, d)
	}

	if err := e.store.PutNodes(ctx, accepted); err != nil {
		return nil, fmt.Errorf("failed to register nodes: %w", err)
	}
	e.logger.Info("registered %d nodes for runtime %s in %s", len(accepted), runtime, namespace)
	return accepted, nil
}

// LookupNode returns the definition registered by runtime under name. A miss
// matches both node.ErrNotFound and store.ErrNotFound.
func (e *Engine) LookupNode(ctx context.Context, namespace, runtime, name string) (*node.Definition, error) {
	d, err := e.store.GetNode(ctx, namespace, runtime, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", node.ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return d, nil
}

// ListNodes returns every definition registered in namespace.
func (e *Engine) ListNodes(ctx context.Context, namespace string) ([]*node.Definition, error) {
	defs, err := e.store.ListNodes(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return defs, nil
}

// catalog indexes the definitions of every namespace the instances resolve in.
func (e *Engine) catalog(ctx context.Context, namespaces []string) (*node.Catalog, error) {
	c := node.NewCatalog()
	seen := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		if seen[ns] {
			continue
		}
		seen[ns] = true
		defs, err := e.store.ListNodes(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("failed to list nodes of %s: %w", ns, err)
		}
		for _, d := range defs {
			c.Add(d)
		}
	}
	return c, nil
}
