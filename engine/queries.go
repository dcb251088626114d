package engine

import (
	"context"
	"fmt"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/state"
)

// CurrentStates lists the non-terminal states of a namespace together with
// the runs they belong to.
type CurrentStates struct {
	Namespace string             `json:"namespace"`
	Count     int                `json:"count"`
	States    []*state.State     `json:"states"`
	Runs      []graph.RunSummary `json:"runs"`
}

// GetState returns one state.
func (e *Engine) GetState(ctx context.Context, stateID string) (*state.State, error) {
	s, err := e.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get state %s: %w", stateID, err)
	}
	return s, nil
}

// StatesByRun returns every state of a run in creation order.
func (e *Engine) StatesByRun(ctx context.Context, namespace, runID string) ([]*state.State, error) {
	if _, err := e.store.GetRun(ctx, namespace, runID); err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	states, err := e.store.ListStatesByRun(ctx, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list states of run %s: %w", runID, err)
	}
	return states, nil
}

// CurrentStates returns the in-flight states of namespace.
func (e *Engine) CurrentStates(ctx context.Context, namespace string) (*CurrentStates, error) {
	states, err := e.store.ListStatesByStatus(ctx, namespace, state.NonTerminal())
	if err != nil {
		return nil, fmt.Errorf("failed to list current states: %w", err)
	}

	var runIDs []string
	seen := make(map[string]bool)
	for _, s := range states {
		if !seen[s.RunID] {
			seen[s.RunID] = true
			runIDs = append(runIDs, s.RunID)
		}
	}
	runs, err := e.store.ListRuns(ctx, namespace, runIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := &CurrentStates{
		Namespace: namespace,
		Count:     len(states),
		States:    states,
		Runs:      make([]graph.RunSummary, 0, len(runs)),
	}
	if out.States == nil {
		out.States = []*state.State{}
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, r.Summary())
	}
	return out, nil
}

// Graph rebuilds the node/edge structure of a run from its states.
func (e *Engine) Graph(ctx context.Context, namespace, runID string) (*graph.Structure, error) {
	run, err := e.store.GetRun(ctx, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	states, err := e.store.ListStatesByRun(ctx, namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list states of run %s: %w", runID, err)
	}
	return graph.BuildStructure(namespace, runID, run.GraphName, states), nil
}

// Secrets returns the secret values of the template a state was created from.
// This is the read path for runtimes; template reads only expose presence.
func (e *Engine) Secrets(ctx context.Context, stateID string) (map[string]string, error) {
	s, err := e.GetState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	values, err := e.secrets.Get(ctx, s.Namespace, s.GraphName)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return values, nil
}
