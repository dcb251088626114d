package engine

import (
	"context"
	"testing"
	"time"

	"github.com/smallnest/stateflow/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_SweepRetriesExpiredLeases(t *testing.T) {
	e, clock := newTestEngine(t, WithLeaseDuration(time.Minute))
	ctx := context.Background()
	setupTemplate(t, e, instance("A"))
	w := e.NewWatchdog()

	_, err := e.Create(ctx, "ns", "g", "r1", []state.RequestState{{Identifier: "A"}})
	require.NoError(t, err)
	a := enqueueOne(t, e)

	results, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, results, "lease still valid")

	clock.Advance(time.Minute)
	results, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].State.ID)
	assert.Equal(t, state.RetryCreated, results[0].State.Status)
	assert.Contains(t, results[0].State.Error, "lease expired")
	require.Len(t, results[0].Spawned, 1)
	assert.Equal(t, state.Created, results[0].Spawned[0].Status)

	// A late report of the timed out attempt is rejected.
	_, err = e.ReportExecuted(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	results, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestWatchdog_SweepCancelsExhaustedStates(t *testing.T) {
	e, clock := newTestEngine(t, WithLeaseDuration(time.Minute), WithRetryPolicy(&RetryPolicy{MaxAttempts: 1}))
	ctx := context.Background()
	setupTemplate(t, e, instance("A"))

	_, err := e.Create(ctx, "ns", "g", "r1", []state.RequestState{{Identifier: "A"}})
	require.NoError(t, err)
	enqueueOne(t, e)
	clock.Advance(2 * time.Minute)

	results, err := e.NewWatchdog().Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, state.Cancelled, results[0].State.Status)

	current, err := e.CurrentStates(ctx, "ns")
	require.NoError(t, err)
	assert.Zero(t, current.Count)
}

func TestWatchdog_SweepBatch(t *testing.T) {
	e, clock := newTestEngine(t, WithLeaseDuration(time.Minute))
	ctx := context.Background()
	setupTemplate(t, e, instance("A"))

	_, err := e.Create(ctx, "ns", "g", "r1", []state.RequestState{{Identifier: "A"}, {Identifier: "A"}, {Identifier: "A"}})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "ns", []string{"fetch"}, 10)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	w := e.NewWatchdog(WithSweepBatch(2))
	results, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	results, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestWatchdog_Run(t *testing.T) {
	e, clock := newTestEngine(t, WithLeaseDuration(time.Minute))
	ctx := context.Background()
	setupTemplate(t, e, instance("A"))

	_, err := e.Create(ctx, "ns", "g", "r1", []state.RequestState{{Identifier: "A"}, {Identifier: "A"}})
	require.NoError(t, err)
	res, err := e.Enqueue(ctx, "ns", []string{"fetch"}, 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	clock.Advance(time.Hour)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- e.NewWatchdog(WithSweepInterval(5*time.Millisecond), WithWorkers(3), WithSweepBatch(1)).Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		for _, s := range res.States {
			got, err := e.GetState(ctx, s.ID)
			if err != nil || got.Status != state.RetryCreated {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}

	current, err := e.CurrentStates(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Count)
	for _, s := range current.States {
		assert.Equal(t, state.Created, s.Status)
	}
}
