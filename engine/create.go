package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// Create inserts one CREATED root state per request into run runID of template
// graphName. The first call for a run records the run with a snapshot of the
// template; later calls append states using that snapshot. An empty runID
// starts a new run. Either every state is inserted or none is.
func (e *Engine) Create(ctx context.Context, namespace, graphName, runID string, requests []state.RequestState) ([]*state.State, error) {
	if namespace == "" || graphName == "" {
		return nil, fmt.Errorf("%w: namespace and graph name are required", ErrInvalidArgument)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: at least one state is required", ErrInvalidArgument)
	}
	if runID == "" {
		runID = e.newID()
	}

	run, err := e.resolveRun(ctx, namespace, graphName, runID)
	if err != nil {
		return nil, err
	}
	tpl := run.Template

	var unknown []string
	var inputErrs []error
	now := e.clock()
	states := make([]*state.State, 0, len(requests))
	for _, req := range requests {
		inst, ok := tpl.Node(req.Identifier)
		if !ok {
			unknown = append(unknown, req.Identifier)
			continue
		}
		inputs := state.CloneDocument(inst.Inputs)
		for k, v := range req.Inputs {
			inputs[k] = state.CloneValue(v)
		}
		if def, ok := tpl.Resolved[inst.Identifier]; ok {
			if err := def.ValidateInputs(inputs); err != nil {
				inputErrs = append(inputErrs, &InputError{Identifier: inst.Identifier, Err: err})
				continue
			}
		}
		states = append(states, &state.State{
			ID:           e.newID(),
			RunID:        run.ID,
			Namespace:    namespace,
			GraphName:    graphName,
			NodeName:     inst.NodeName,
			Identifier:   inst.Identifier,
			Inputs:       inputs,
			Outputs:      state.Document{},
			Status:       state.Created,
			Parents:      map[string]string{},
			EnqueueAfter: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if len(unknown) > 0 {
		return nil, &UnknownIdentifierError{GraphName: graphName, Identifiers: unknown}
	}
	if len(inputErrs) > 0 {
		return nil, errors.Join(inputErrs...)
	}

	if err := e.store.CreateStates(ctx, run, states); err != nil {
		return nil, fmt.Errorf("failed to create states: %w", err)
	}
	e.logger.Debug("created %d states in run %s of %s/%s", len(states), run.ID, namespace, graphName)
	for _, s := range states {
		e.notify(ctx, s, "", state.Created)
	}
	return states, nil
}

// resolveRun returns the stored run, or a new run snapshotting the current
// template when none exists yet.
func (e *Engine) resolveRun(ctx context.Context, namespace, graphName, runID string) (*graph.Run, error) {
	run, err := e.store.GetRun(ctx, namespace, runID)
	switch {
	case err == nil:
		if run.GraphName != graphName {
			return nil, fmt.Errorf("%w: run %s belongs to graph %s", ErrRunConflict, runID, run.GraphName)
		}
		return run, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	tpl, err := e.GetTemplate(ctx, namespace, graphName)
	if err != nil {
		return nil, err
	}
	if !tpl.Executable() {
		return nil, &TemplateError{
			Namespace: namespace,
			Name:      graphName,
			Status:    tpl.ValidationStatus,
			Errors:    tpl.ValidationErrors,
		}
	}
	return &graph.Run{
		ID:        runID,
		Namespace: namespace,
		GraphName: graphName,
		Template:  tpl,
		CreatedAt: e.clock(),
	}, nil
}
