package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// MemoryStore implements store.Store in process memory. One mutex guards the
// whole arena, which makes every multi-record operation atomic.
type MemoryStore struct {
	mu        sync.Mutex
	nodes     map[string]*node.Definition
	templates map[string]*graph.Template
	runs      map[string]*graph.Run
	states    map[string]*state.State
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]*node.Definition),
		templates: make(map[string]*graph.Template),
		runs:      make(map[string]*graph.Run),
		states:    make(map[string]*state.State),
	}
}

func nodeKey(namespace, runtime, name string) string {
	return namespace + "\x00" + runtime + "\x00" + name
}

func scopedKey(namespace, name string) string {
	return namespace + "\x00" + name
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// PutNodes upserts definitions.
func (m *MemoryStore) PutNodes(_ context.Context, defs []*node.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range defs {
		m.nodes[nodeKey(d.Namespace, d.RuntimeName, d.Name)] = d.Clone()
	}
	return nil
}

// GetNode retrieves one definition.
func (m *MemoryStore) GetNode(_ context.Context, namespace, runtime, name string) (*node.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.nodes[nodeKey(namespace, runtime, name)]
	if !ok {
		return nil, fmt.Errorf("node %s/%s/%s: %w", namespace, runtime, name, store.ErrNotFound)
	}
	return d.Clone(), nil
}

// ListNodes returns the definitions of a namespace sorted by runtime and name.
func (m *MemoryStore) ListNodes(_ context.Context, namespace string) ([]*node.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*node.Definition{}
	for _, d := range m.nodes {
		if d.Namespace == namespace {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuntimeName != out[j].RuntimeName {
			return out[i].RuntimeName < out[j].RuntimeName
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// PutTemplate inserts or replaces a template.
func (m *MemoryStore) PutTemplate(_ context.Context, t *graph.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.templates[scopedKey(t.Namespace, t.Name)] = t.Clone()
	return nil
}

// GetTemplate retrieves one template.
func (m *MemoryStore) GetTemplate(_ context.Context, namespace, name string) (*graph.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[scopedKey(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("template %s/%s: %w", namespace, name, store.ErrNotFound)
	}
	return t.Clone(), nil
}

// ListTemplates returns the templates of a namespace sorted by name.
func (m *MemoryStore) ListTemplates(_ context.Context, namespace string) ([]*graph.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*graph.Template{}
	for _, t := range m.templates {
		if t.Namespace == namespace {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetRun retrieves one run.
func (m *MemoryStore) GetRun(_ context.Context, namespace, runID string) (*graph.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[scopedKey(namespace, runID)]
	if !ok {
		return nil, fmt.Errorf("run %s/%s: %w", namespace, runID, store.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRuns returns the known runs among runIDs, in the given order.
func (m *MemoryStore) ListRuns(_ context.Context, namespace string, runIDs []string) ([]*graph.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*graph.Run{}
	for _, id := range runIDs {
		if r, ok := m.runs[scopedKey(namespace, id)]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// CreateStates inserts the run if needed and all states, or nothing.
func (m *MemoryStore) CreateStates(_ context.Context, run *graph.Run, states []*state.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(states))
	for _, s := range states {
		if _, ok := m.states[s.ID]; ok || seen[s.ID] {
			return fmt.Errorf("state %s: %w", s.ID, store.ErrDuplicateState)
		}
		seen[s.ID] = true
	}

	if run != nil {
		key := scopedKey(run.Namespace, run.ID)
		if _, ok := m.runs[key]; !ok {
			m.runs[key] = run.Clone()
		}
	}
	for _, s := range states {
		m.states[s.ID] = s.Clone()
	}
	return nil
}

// GetState retrieves one state.
func (m *MemoryStore) GetState(_ context.Context, stateID string) (*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[stateID]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", stateID, store.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) filter(keep func(*state.State) bool) []*state.State {
	out := []*state.State{}
	for _, s := range m.states {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.Less(out[i], out[j]) })
	return out
}

func cloneAll(states []*state.State) []*state.State {
	out := make([]*state.State, len(states))
	for i, s := range states {
		out[i] = s.Clone()
	}
	return out
}

// ListStatesByRun returns the states of a run ordered by creation.
func (m *MemoryStore) ListStatesByRun(_ context.Context, namespace, runID string) ([]*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return cloneAll(m.filter(func(s *state.State) bool {
		return s.Namespace == namespace && s.RunID == runID
	})), nil
}

// ListStatesByStatus returns the states of a namespace in any of statuses.
func (m *MemoryStore) ListStatesByStatus(_ context.Context, namespace string, statuses []state.Status) ([]*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return cloneAll(m.filter(func(s *state.State) bool {
		return s.Namespace == namespace && slices.Contains(statuses, s.Status)
	})), nil
}

// Claim moves the oldest eligible CREATED states to QUEUED.
func (m *MemoryStore) Claim(_ context.Context, q store.ClaimQuery) ([]*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := m.filter(func(s *state.State) bool {
		return s.Namespace == q.Namespace &&
			s.Status == state.Created &&
			slices.Contains(q.NodeNames, s.NodeName) &&
			!s.EnqueueAfter.After(q.Now)
	})
	if len(eligible) > q.Limit {
		eligible = eligible[:q.Limit]
	}

	for _, s := range eligible {
		lease := q.LeaseUntil
		s.Status = state.Queued
		s.LeaseExpiresAt = &lease
		s.UpdatedAt = q.Now
	}
	return cloneAll(eligible), nil
}

// ListExpired returns QUEUED states whose lease has passed.
func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := m.filter(func(s *state.State) bool {
		return s.Status == state.Queued && s.LeaseExpiresAt != nil && !s.LeaseExpiresAt.After(now)
	})
	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return cloneAll(expired), nil
}

// Transition applies a compare-and-set status change and inserts spawned
// states in the same critical section.
func (m *MemoryStore) Transition(_ context.Context, t store.Transition) (*state.State, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[t.StateID]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", t.StateID, store.ErrNotFound)
	}
	if s.Status != t.From {
		return s.Clone(), fmt.Errorf("state %s is %s, expected %s: %w", t.StateID, s.Status, t.From, store.ErrStatusConflict)
	}
	for _, child := range t.Spawn {
		if _, ok := m.states[child.ID]; ok {
			return nil, fmt.Errorf("state %s: %w", child.ID, store.ErrDuplicateState)
		}
	}

	store.Apply(s, t)
	for _, child := range t.Spawn {
		m.states[child.ID] = child.Clone()
	}
	return s.Clone(), nil
}
