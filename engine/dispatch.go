package engine

import (
	"context"
	"fmt"

	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// EnqueueResult is the batch handed to one poller.
type EnqueueResult struct {
	Namespace string         `json:"namespace"`
	Count     int            `json:"count"`
	States    []*state.State `json:"states"`
}

// Enqueue leases up to batchSize CREATED states of the listed nodes, oldest
// first. It never blocks: fewer or zero states are returned when fewer are
// eligible. Concurrent callers never receive the same state.
func (e *Engine) Enqueue(ctx context.Context, namespace string, nodeNames []string, batchSize int) (*EnqueueResult, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidArgument, batchSize)
	}
	if len(nodeNames) == 0 {
		return nil, fmt.Errorf("%w: node names are required", ErrInvalidArgument)
	}

	now := e.clock()
	claimed, err := e.store.Claim(ctx, store.ClaimQuery{
		Namespace:  namespace,
		NodeNames:  nodeNames,
		Limit:      batchSize,
		Now:        now,
		LeaseUntil: now.Add(e.lease),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim states: %w", err)
	}
	if claimed == nil {
		claimed = []*state.State{}
	}

	if len(claimed) > 0 {
		e.logger.Debug("dispatched %d states of %v in %s", len(claimed), nodeNames, namespace)
	}
	for _, s := range claimed {
		e.notify(ctx, s, state.Created, state.Queued)
	}
	return &EnqueueResult{Namespace: namespace, Count: len(claimed), States: claimed}, nil
}
