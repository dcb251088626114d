package engine

import (
	"context"
	"testing"
	"time"

	"github.com/smallnest/stateflow/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		failures int
		want     time.Duration
	}{
		{"fixed", RetryPolicy{Strategy: BackoffFixed, BaseDelay: time.Second}, 4, time.Second},
		{"linear", RetryPolicy{Strategy: BackoffLinear, BaseDelay: time.Second}, 3, 3 * time.Second},
		{"exponential first", RetryPolicy{Strategy: BackoffExponential, BaseDelay: time.Second}, 1, time.Second},
		{"exponential third", RetryPolicy{Strategy: BackoffExponential, BaseDelay: time.Second}, 3, 4 * time.Second},
		{"capped", RetryPolicy{Strategy: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"zero failures", RetryPolicy{Strategy: BackoffLinear, BaseDelay: time.Second}, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.failures))
		})
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := RetryPolicy{Strategy: BackoffFixed, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(1))
	assert.False(t, p.ShouldRetry(2))

	assert.False(t, (&RetryPolicy{}).ShouldRetry(0))
}

func TestReportErrored_RetriesThenCancels(t *testing.T) {
	e, clock := newTestEngine(t, WithRetryPolicy(&RetryPolicy{
		MaxAttempts: 2,
		Strategy:    BackoffFixed,
		BaseDelay:   10 * time.Second,
	}))
	ctx := context.Background()
	setupTemplate(t, e, instance("A", "B"), instance("B"))

	_, err := e.Create(ctx, "ns", "g", "r1", []state.RequestState{{Identifier: "A", Inputs: state.Document{"k": "v"}}})
	require.NoError(t, err)
	first := enqueueOne(t, e)

	res, err := e.ReportErrored(ctx, first.ID, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, state.RetryCreated, res.State.Status)
	assert.Equal(t, "connection refused", res.State.Error)
	require.Len(t, res.Spawned, 1)
	retry := res.Spawned[0]
	assert.Equal(t, "A", retry.Identifier)
	assert.Equal(t, state.Document{"k": "v"}, retry.Inputs)
	assert.Equal(t, map[string]string{"A": first.ID}, retry.Parents)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, clock.Now().Add(10*time.Second), retry.EnqueueAfter)

	// Backoff keeps the retry out of dispatch until it elapses.
	none, err := e.Enqueue(ctx, "ns", []string{"fetch"}, 10)
	require.NoError(t, err)
	assert.Zero(t, none.Count)

	clock.Advance(10 * time.Second)
	second := enqueueOne(t, e)
	assert.Equal(t, retry.ID, second.ID)

	res, err = e.ReportErrored(ctx, second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, state.Cancelled, res.State.Status)
	assert.Equal(t, "unknown error", res.State.Error)
	assert.Empty(t, res.Spawned)

	// Late report after cancellation.
	_, err = e.ReportExecuted(ctx, second.ID, nil)
	var trErr *TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, state.Cancelled, trErr.Current)

	structure, err := e.Graph(ctx, "ns", "r1")
	require.NoError(t, err)
	assert.Equal(t, map[state.Status]int{state.RetryCreated: 1, state.Cancelled: 1}, structure.ExecutionSummary)
	assert.Equal(t, 1, structure.EdgeCount)
}
