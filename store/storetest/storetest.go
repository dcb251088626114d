// Package storetest provides the conformance suite every store.Store
// implementation runs in its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Base is the reference time used by the suite.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the whole conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Nodes", testNodes},
		{"Templates", testTemplates},
		{"CreateStates", testCreateStates},
		{"CreateStatesIsAtomic", testCreateStatesIsAtomic},
		{"ClaimOrder", testClaimOrder},
		{"ClaimConcurrent", testClaimConcurrent},
		{"ListExpired", testListExpired},
		{"Transition", testTransition},
		{"TransitionVia", testTransitionVia},
		{"TransitionConflict", testTransitionConflict},
		{"TransitionOutsideLifecycle", testTransitionOutsideLifecycle},
		{"ListStatesByStatus", testListStatesByStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

// NewState builds a CREATED state for tests.
func NewState(id, runID, nodeName string, createdAt time.Time) *state.State {
	return &state.State{
		ID:           id,
		RunID:        runID,
		Namespace:    "ns",
		GraphName:    "g",
		NodeName:     nodeName,
		Identifier:   nodeName,
		Inputs:       state.Document{"k": "v"},
		Outputs:      state.Document{},
		Status:       state.Created,
		Parents:      map[string]string{},
		EnqueueAfter: createdAt,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

// NewRun builds a run with a one-node template for tests.
func NewRun(id string) *graph.Run {
	return &graph.Run{
		ID:        id,
		Namespace: "ns",
		GraphName: "g",
		Template: &graph.Template{
			Namespace:        "ns",
			Name:             "g",
			Nodes:            []graph.NodeInstance{{NodeName: "a", Namespace: "ns", Identifier: "a", Inputs: state.Document{}, NextNodes: []string{}}},
			Secrets:          map[string]bool{},
			ValidationStatus: graph.Valid,
			CreatedAt:        Base,
			UpdatedAt:        Base,
		},
		CreatedAt: Base,
	}
}

func ids(states []*state.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.ID
	}
	return out
}

func testNodes(t *testing.T, s store.Store) {
	ctx := context.Background()

	defs := []*node.Definition{
		{Namespace: "ns", RuntimeName: "rt", Name: "b", InputsSchema: map[string]any{"type": "object"}, Secrets: []string{"token"}},
		{Namespace: "ns", RuntimeName: "rt", Name: "a"},
		{Namespace: "other", RuntimeName: "rt", Name: "a"},
	}
	require.NoError(t, s.PutNodes(ctx, defs))

	got, err := s.GetNode(ctx, "ns", "rt", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"token"}, got.Secrets)
	assert.Equal(t, "object", got.InputsSchema["type"])

	_, err = s.GetNode(ctx, "ns", "rt", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutNodes(ctx, []*node.Definition{{Namespace: "ns", RuntimeName: "rt", Name: "b"}}))
	got, err = s.GetNode(ctx, "ns", "rt", "b")
	require.NoError(t, err)
	assert.Empty(t, got.Secrets)

	list, err := s.ListNodes(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
}

func testTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()

	tpl := NewRun("r").Template
	tpl.Secrets = map[string]bool{"token": false}
	tpl.ValidationStatus = graph.Pending
	require.NoError(t, s.PutTemplate(ctx, tpl))

	second := NewRun("r").Template
	second.Name = "another"
	require.NoError(t, s.PutTemplate(ctx, second))

	got, err := s.GetTemplate(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, graph.Pending, got.ValidationStatus)
	assert.Equal(t, map[string]bool{"token": false}, got.Secrets)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "a", got.Nodes[0].Identifier)

	tpl.ValidationStatus = graph.Valid
	require.NoError(t, s.PutTemplate(ctx, tpl))
	got, err = s.GetTemplate(ctx, "ns", "g")
	require.NoError(t, err)
	assert.Equal(t, graph.Valid, got.ValidationStatus)

	_, err = s.GetTemplate(ctx, "ns", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListTemplates(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "another", list[0].Name)
	assert.Equal(t, "g", list[1].Name)
}

func testCreateStates(t *testing.T, s store.Store) {
	ctx := context.Background()

	run := NewRun("r1")
	first := NewState("s1", "r1", "a", Base)
	require.NoError(t, s.CreateStates(ctx, run, []*state.State{first}))

	gotRun, err := s.GetRun(ctx, "ns", "r1")
	require.NoError(t, err)
	assert.Equal(t, "g", gotRun.GraphName)
	assert.True(t, gotRun.CreatedAt.Equal(Base))
	require.NotNil(t, gotRun.Template)
	assert.Equal(t, "a", gotRun.Template.Nodes[0].Identifier)

	// The run record is written once; later creates append states only.
	other := NewRun("r1")
	other.GraphName = "changed"
	require.NoError(t, s.CreateStates(ctx, other, []*state.State{NewState("s2", "r1", "a", Base.Add(time.Second))}))
	gotRun, err = s.GetRun(ctx, "ns", "r1")
	require.NoError(t, err)
	assert.Equal(t, "g", gotRun.GraphName)

	got, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Created, got.Status)
	assert.Equal(t, "v", got.Inputs["k"])
	assert.True(t, got.CreatedAt.Equal(Base))
	assert.Nil(t, got.LeaseExpiresAt)

	_, err = s.GetState(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListStatesByRun(ctx, "ns", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids(list))

	runs, err := s.ListRuns(ctx, "ns", []string{"r1", "missing"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	_, err = s.GetRun(ctx, "ns", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateStatesIsAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{NewState("s1", "r1", "a", Base)}))

	err := s.CreateStates(ctx, NewRun("r2"), []*state.State{
		NewState("s2", "r2", "a", Base),
		NewState("s1", "r2", "a", Base),
	})
	require.Error(t, err)

	_, err = s.GetState(ctx, "s2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRun(ctx, "ns", "r2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListStatesByRun(ctx, "ns", "r2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testClaimOrder(t *testing.T, s store.Store) {
	ctx := context.Background()

	delayed := NewState("s-delayed", "r1", "a", Base)
	delayed.EnqueueAfter = Base.Add(time.Hour)
	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{
		NewState("s3", "r1", "a", Base.Add(2*time.Second)),
		NewState("s1", "r1", "a", Base),
		NewState("s2", "r1", "a", Base.Add(time.Second)),
		NewState("s-other", "r1", "b", Base),
		delayed,
	}))

	now := Base.Add(time.Minute)
	lease := now.Add(5 * time.Minute)
	claimed, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 2, Now: now, LeaseUntil: lease})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids(claimed))
	for _, c := range claimed {
		assert.Equal(t, state.Queued, c.Status)
		require.NotNil(t, c.LeaseExpiresAt)
		assert.True(t, c.LeaseExpiresAt.Equal(lease))
	}

	stored, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Queued, stored.Status)
	require.NotNil(t, stored.LeaseExpiresAt)

	claimed, err = s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 10, Now: now, LeaseUntil: lease})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, ids(claimed))

	claimed, err = s.Claim(ctx, store.ClaimQuery{Namespace: "other", NodeNames: []string{"a", "b"}, Limit: 10, Now: now, LeaseUntil: lease})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a", "b"}, Limit: 10, Now: Base.Add(2 * time.Hour), LeaseUntil: lease})
	require.NoError(t, err)
	assert.Equal(t, []string{"s-delayed", "s-other"}, ids(claimed))
}

func testClaimConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()

	const total = 40
	var batch []*state.State
	for i := 0; i < total; i++ {
		batch = append(batch, NewState(fmt.Sprintf("s%03d", i), "r1", "a", Base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), batch))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for {
				claimed, err := s.Claim(gctx, store.ClaimQuery{
					Namespace:  "ns",
					NodeNames:  []string{"a"},
					Limit:      3,
					Now:        Base.Add(time.Minute),
					LeaseUntil: Base.Add(time.Hour),
				})
				if err != nil {
					return err
				}
				if len(claimed) == 0 {
					return nil
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "state %s claimed %d times", id, n)
	}
}

func testListExpired(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{
		NewState("s1", "r1", "a", Base),
		NewState("s2", "r1", "a", Base.Add(time.Second)),
		NewState("s3", "r1", "a", Base.Add(2*time.Second)),
	}))
	// s1 is claimed first but holds the longer lease.
	_, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: Base, LeaseUntil: Base.Add(2 * time.Minute)})
	require.NoError(t, err)
	_, err = s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: Base.Add(time.Second), LeaseUntil: Base.Add(time.Minute)})
	require.NoError(t, err)

	expired, err := s.ListExpired(ctx, Base.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpired(ctx, Base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"s2"}, ids(expired))
	assert.Equal(t, state.Queued, expired[0].Status)
	require.NotNil(t, expired[0].LeaseExpiresAt)

	expired, err = s.ListExpired(ctx, Base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, ids(expired))

	expired, err = s.ListExpired(ctx, Base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(expired))

	// Listing leaves states untouched until they are settled.
	stored, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Queued, stored.Status)

	_, err = s.Transition(ctx, store.Transition{StateID: "s2", From: state.Queued, Via: state.TimedOut, To: state.Cancelled, Now: Base.Add(time.Hour)})
	require.NoError(t, err)

	expired, err = s.ListExpired(ctx, Base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(expired))
}

func testTransition(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{NewState("s1", "r1", "a", Base)}))
	_, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: Base, LeaseUntil: Base.Add(time.Minute)})
	require.NoError(t, err)

	now := Base.Add(10 * time.Second)
	got, err := s.Transition(ctx, store.Transition{
		StateID: "s1",
		From:    state.Queued,
		To:      state.Executed,
		Outputs: state.Document{"x": "1"},
		Now:     now,
	})
	require.NoError(t, err)
	assert.Equal(t, state.Executed, got.Status)
	assert.Equal(t, "1", got.Outputs["x"])
	assert.Nil(t, got.LeaseExpiresAt)
	assert.True(t, got.UpdatedAt.Equal(now))

	child := NewState("s2", "r1", "b", now)
	child.Parents = map[string]string{"a": "s1"}
	got, err = s.Transition(ctx, store.Transition{
		StateID: "s1",
		From:    state.Executed,
		To:      state.NextCreated,
		Now:     now,
		Spawn:   []*state.State{child},
	})
	require.NoError(t, err)
	assert.Equal(t, state.NextCreated, got.Status)
	assert.Equal(t, "1", got.Outputs["x"])

	stored, err := s.GetState(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, state.Created, stored.Status)
	assert.Equal(t, map[string]string{"a": "s1"}, stored.Parents)

	claimed, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"b"}, Limit: 5, Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(claimed))

	got, err = s.Transition(ctx, store.Transition{StateID: "s2", From: state.Queued, To: state.Errored, Error: "boom", Now: now})
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	_, err = s.Transition(ctx, store.Transition{StateID: "missing", From: state.Queued, To: state.Executed, Now: now})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTransitionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{NewState("s1", "r1", "a", Base)}))

	got, err := s.Transition(ctx, store.Transition{
		StateID: "s1",
		From:    state.Queued,
		To:      state.Executed,
		Now:     Base,
		Spawn:   []*state.State{NewState("s2", "r1", "b", Base)},
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
	require.NotNil(t, got)
	assert.Equal(t, state.Created, got.Status)

	_, err = s.GetState(ctx, "s2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTransitionVia(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{NewState("s1", "r1", "a", Base)}))
	_, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: Base, LeaseUntil: Base.Add(time.Minute)})
	require.NoError(t, err)

	now := Base.Add(10 * time.Second)
	child := NewState("s2", "r1", "b", now)
	child.Parents = map[string]string{"a": "s1"}
	got, err := s.Transition(ctx, store.Transition{
		StateID: "s1",
		From:    state.Queued,
		Via:     state.Executed,
		To:      state.NextCreated,
		Outputs: state.Document{"x": "1"},
		Now:     now,
		Spawn:   []*state.State{child},
	})
	require.NoError(t, err)
	assert.Equal(t, state.NextCreated, got.Status)
	assert.Equal(t, "1", got.Outputs["x"])
	assert.Nil(t, got.LeaseExpiresAt)

	stored, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.NextCreated, stored.Status)

	queued, err := s.ListStatesByStatus(ctx, "ns", []state.Status{state.Queued, state.Executed})
	require.NoError(t, err)
	assert.Empty(t, queued)

	created, err := s.ListStatesByStatus(ctx, "ns", []state.Status{state.Created})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(created))

	// A second report finds the state already settled.
	got, err = s.Transition(ctx, store.Transition{StateID: "s1", From: state.Queued, Via: state.Errored, To: state.Cancelled, Now: now})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
	require.NotNil(t, got)
	assert.Equal(t, state.NextCreated, got.Status)
}

func testTransitionOutsideLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{NewState("s1", "r1", "a", Base)}))

	cases := []store.Transition{
		{StateID: "s1", From: state.Created, To: state.Success},
		{StateID: "s1", From: state.Created, To: state.Cancelled},
		{StateID: "s1", From: state.Created, Via: state.Queued, To: state.Success},
		{StateID: "s1", From: state.Queued, Via: state.Executed, To: state.Cancelled},
		{StateID: "s1", From: state.Success, To: state.Created},
	}
	for _, tr := range cases {
		tr.Now = Base
		tr.Spawn = []*state.State{NewState("s2", "r1", "b", Base)}
		_, err := s.Transition(ctx, tr)
		assert.ErrorIs(t, err, store.ErrInvalidTransition, "%s -> %s -> %s", tr.From, tr.Via, tr.To)
	}

	stored, err := s.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, state.Created, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(Base))

	_, err = s.GetState(ctx, "s2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListStatesByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateStates(ctx, NewRun("r1"), []*state.State{
		NewState("s1", "r1", "a", Base),
		NewState("s2", "r1", "a", Base.Add(time.Second)),
		NewState("s3", "r1", "b", Base.Add(2*time.Second)),
	}))
	_, err := s.Claim(ctx, store.ClaimQuery{Namespace: "ns", NodeNames: []string{"a"}, Limit: 1, Now: Base, LeaseUntil: Base.Add(time.Minute)})
	require.NoError(t, err)

	created, err := s.ListStatesByStatus(ctx, "ns", []state.Status{state.Created})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, ids(created))

	current, err := s.ListStatesByStatus(ctx, "ns", state.NonTerminal())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(current))

	none, err := s.ListStatesByStatus(ctx, "other", state.NonTerminal())
	require.NoError(t, err)
	assert.Empty(t, none)
}
