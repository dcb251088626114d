package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// ReportResult is the outcome of a report: the state in its final status and
// the states created because of it.
type ReportResult struct {
	State   *state.State   `json:"state"`
	Spawned []*state.State `json:"spawned"`
}

// ReportExecuted records the outputs of a dispatched state and fans out to the
// downstream instances of the run's template. A state without downstream
// instances ends in SUCCESS; otherwise every output spawns one CREATED state
// per downstream identifier and the state ends in NEXT_CREATED. Only the first
// output is stored on the state; an empty list counts as one empty output.
//
// The state passes through EXECUTED inside a single store transition, so a
// failure part way leaves it QUEUED with its lease and the report can be
// repeated or the watchdog can reclaim it.
func (e *Engine) ReportExecuted(ctx context.Context, stateID string, outputs []state.Document) (*ReportResult, error) {
	if len(outputs) == 0 {
		outputs = []state.Document{{}}
	}

	current, err := e.dispatched(ctx, stateID, state.Executed)
	if err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, current.Namespace, current.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", current.RunID, err)
	}

	to := state.Success
	children := []*state.State{}
	if downstream := run.Template.Downstream(current.Identifier); len(downstream) > 0 {
		to = state.NextCreated
		children = e.spawnChildren(current, downstream, outputs)
	}

	done, err := e.transition(ctx, store.Transition{
		StateID: stateID,
		From:    state.Queued,
		Via:     state.Executed,
		To:      to,
		Outputs: state.CloneDocument(outputs[0]),
		Now:     e.clock(),
		Spawn:   children,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		e.notify(ctx, c, "", state.Created)
	}
	return &ReportResult{State: done, Spawned: children}, nil
}

// ReportErrored records a worker failure and applies the retry policy: the
// state is replaced by a delayed retry while attempts remain, otherwise it is
// cancelled and its branch ends.
func (e *Engine) ReportErrored(ctx context.Context, stateID, errMsg string) (*ReportResult, error) {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	current, err := e.dispatched(ctx, stateID, state.Errored)
	if err != nil {
		return nil, err
	}
	return e.settleFailure(ctx, current, state.Errored, errMsg)
}

// dispatched loads a state that a report is about to move to next and checks
// it is still QUEUED.
func (e *Engine) dispatched(ctx context.Context, stateID string, next state.Status) (*state.State, error) {
	s, err := e.store.GetState(ctx, stateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("state %s: %w", stateID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get state %s: %w", stateID, err)
	}
	if s.Status != state.Queued {
		return nil, &TransitionError{StateID: stateID, Current: s.Status, To: next}
	}
	return s, nil
}

func (e *Engine) spawnChildren(parent *state.State, downstream []graph.NodeInstance, outputs []state.Document) []*state.State {
	now := e.clock()
	children := make([]*state.State, 0, len(outputs)*len(downstream))
	for _, out := range outputs {
		for _, inst := range downstream {
			children = append(children, &state.State{
				ID:           e.newID(),
				RunID:        parent.RunID,
				Namespace:    parent.Namespace,
				GraphName:    parent.GraphName,
				NodeName:     inst.NodeName,
				Identifier:   inst.Identifier,
				Inputs:       graph.DeriveInputs(inst.Inputs, parent.Identifier, out),
				Outputs:      state.Document{},
				Status:       state.Created,
				Parents:      map[string]string{parent.Identifier: parent.ID},
				EnqueueAfter: now,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}
	return children
}

// settleFailure moves a QUEUED state through via (ERRORED or TIMEDOUT) to
// RETRY_CREATED with a delayed clone, or to CANCELLED once the retry policy is
// exhausted.
func (e *Engine) settleFailure(ctx context.Context, failed *state.State, via state.Status, errMsg string) (*ReportResult, error) {
	now := e.clock()
	if !e.retry.ShouldRetry(failed.RetryCount) {
		cancelled, err := e.transition(ctx, store.Transition{
			StateID: failed.ID,
			From:    state.Queued,
			Via:     via,
			To:      state.Cancelled,
			Error:   errMsg,
			Now:     now,
		})
		if err != nil {
			return nil, err
		}
		e.logger.Warn("state %s (%s) cancelled after %d attempts", failed.ID, failed.Identifier, failed.RetryCount+1)
		return &ReportResult{State: cancelled, Spawned: []*state.State{}}, nil
	}

	delay := e.retry.Backoff(failed.RetryCount + 1)
	retry := &state.State{
		ID:           e.newID(),
		RunID:        failed.RunID,
		Namespace:    failed.Namespace,
		GraphName:    failed.GraphName,
		NodeName:     failed.NodeName,
		Identifier:   failed.Identifier,
		Inputs:       state.CloneDocument(failed.Inputs),
		Outputs:      state.Document{},
		Status:       state.Created,
		Parents:      map[string]string{failed.Identifier: failed.ID},
		RetryCount:   failed.RetryCount + 1,
		EnqueueAfter: now.Add(delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	replaced, err := e.transition(ctx, store.Transition{
		StateID: failed.ID,
		From:    state.Queued,
		Via:     via,
		To:      state.RetryCreated,
		Error:   errMsg,
		Now:     now,
		Spawn:   []*state.State{retry},
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("state %s (%s) retried as %s in %v", failed.ID, failed.Identifier, retry.ID, delay)
	e.notify(ctx, retry, "", state.Created)
	return &ReportResult{State: replaced, Spawned: []*state.State{retry}}, nil
}

// transition applies t and notifies listeners of every status it passed
// through. A status mismatch becomes a TransitionError carrying the status the
// state was found in.
func (e *Engine) transition(ctx context.Context, t store.Transition) (*state.State, error) {
	next := t.To
	if t.Via != "" {
		next = t.Via
	}

	s, err := e.store.Transition(ctx, t)
	switch {
	case err == nil:
		if t.Via != "" {
			e.notify(ctx, s, t.From, t.Via)
			e.notify(ctx, s, t.Via, t.To)
		} else {
			e.notify(ctx, s, t.From, t.To)
		}
		return s, nil
	case errors.Is(err, store.ErrStatusConflict) && s != nil:
		return nil, &TransitionError{StateID: t.StateID, Current: s.Status, To: next}
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: %w", ErrInvalidStateTransition, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("state %s: %w", t.StateID, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to move state %s to %s: %w", t.StateID, t.To, err)
	}
}
