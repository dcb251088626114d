package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		Created:  {Queued},
		Queued:   {Executed, Errored, TimedOut},
		Executed: {NextCreated, Success},
		Errored:  {RetryCreated, Cancelled},
		TimedOut: {RetryCreated, Cancelled},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses {
		if s.IsTerminal() {
			assert.Empty(t, s.Next(), s)
		} else {
			assert.NotEmpty(t, s.Next(), s)
		}
	}
	assert.ElementsMatch(t, []Status{Created, Queued, Executed, Errored, TimedOut}, NonTerminal())
}

func TestNoTransitionReturnsToEarlierStatus(t *testing.T) {
	t.Parallel()

	rank := map[Status]int{}
	rank[Created] = 0
	rank[Queued] = 1
	rank[Executed], rank[Errored], rank[TimedOut] = 2, 2, 2
	rank[NextCreated], rank[Success], rank[RetryCreated], rank[Cancelled] = 3, 3, 3, 3

	for from, tos := range transitions {
		for _, to := range tos {
			assert.Greater(t, rank[to], rank[from], "%s -> %s", from, to)
		}
	}
}

func TestStatusValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Success.Valid())
	assert.False(t, Status("RUNNING").Valid())
}

func TestStateClone(t *testing.T) {
	t.Parallel()

	lease := time.Now()
	s := &State{
		ID:             "s1",
		Inputs:         Document{"nested": map[string]any{"a": 1}, "list": []any{"x"}},
		Parents:        map[string]string{"A": "p1"},
		LeaseExpiresAt: &lease,
	}
	c := s.Clone()

	c.Inputs["nested"].(map[string]any)["a"] = 2
	c.Inputs["list"].([]any)[0] = "y"
	c.Parents["B"] = "p2"
	*c.LeaseExpiresAt = lease.Add(time.Hour)

	assert.Equal(t, 1, s.Inputs["nested"].(map[string]any)["a"])
	assert.Equal(t, "x", s.Inputs["list"].([]any)[0])
	assert.Len(t, s.Parents, 1)
	assert.Equal(t, lease, *s.LeaseExpiresAt)
	assert.NotNil(t, c.Outputs)
}

func TestIsRoot(t *testing.T) {
	t.Parallel()

	assert.True(t, (&State{}).IsRoot())
	assert.True(t, (&State{Parents: map[string]string{"A": ""}}).IsRoot())
	assert.False(t, (&State{Parents: map[string]string{"A": "s1"}}).IsRoot())
}
