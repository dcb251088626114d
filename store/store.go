package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by Transition when the state is no longer in
	// the expected status.
	ErrStatusConflict = errors.New("status conflict")

	// ErrDuplicateState is returned when a created state id already exists.
	ErrDuplicateState = errors.New("duplicate state")

	// ErrInvalidTransition is returned by Transition when the requested status
	// change is not an edge of the lifecycle table.
	ErrInvalidTransition = errors.New("invalid transition")
)

// NodeStore persists node definitions.
type NodeStore interface {
	// PutNodes upserts every definition in one unit.
	PutNodes(ctx context.Context, defs []*node.Definition) error

	// GetNode retrieves the definition registered by runtime under name.
	GetNode(ctx context.Context, namespace, runtime, name string) (*node.Definition, error)

	// ListNodes returns every definition of a namespace.
	ListNodes(ctx context.Context, namespace string) ([]*node.Definition, error)
}

// TemplateStore persists compiled graph templates.
type TemplateStore interface {
	// PutTemplate inserts or replaces a template.
	PutTemplate(ctx context.Context, t *graph.Template) error

	GetTemplate(ctx context.Context, namespace, name string) (*graph.Template, error)

	ListTemplates(ctx context.Context, namespace string) ([]*graph.Template, error)
}

// RunStore reads run records. Runs are written by StateStore.CreateStates.
type RunStore interface {
	GetRun(ctx context.Context, namespace, runID string) (*graph.Run, error)

	// ListRuns returns the runs with the given ids; unknown ids are skipped.
	ListRuns(ctx context.Context, namespace string, runIDs []string) ([]*graph.Run, error)
}

// ClaimQuery selects CREATED states for dispatch.
type ClaimQuery struct {
	Namespace string
	NodeNames []string
	Limit     int
	// Now is compared against enqueue_after and stamped as updated_at.
	Now time.Time
	// LeaseUntil becomes lease_expires_at of every claimed state.
	LeaseUntil time.Time
}

// Transition is a compare-and-set status change of one state. When Via is
// set the state passes through it, so From -> Via -> To lands as one unit.
type Transition struct {
	StateID string
	From    state.Status
	Via     state.Status
	To      state.Status
	// Outputs replaces the stored outputs when non-nil.
	Outputs state.Document
	// Error replaces the stored error when non-empty.
	Error string
	Now   time.Time
	// Spawn is inserted in the same unit as the status change.
	Spawn []*state.State
}

// StateStore persists states and owns every atomic lifecycle operation.
type StateStore interface {
	// CreateStates inserts run (when it does not exist yet) and every state in
	// one unit. Nothing is written on failure.
	CreateStates(ctx context.Context, run *graph.Run, states []*state.State) error

	GetState(ctx context.Context, stateID string) (*state.State, error)

	// ListStatesByRun returns the states of a run ordered by creation.
	ListStatesByRun(ctx context.Context, namespace, runID string) ([]*state.State, error)

	// ListStatesByStatus returns the states of a namespace in any of statuses,
	// ordered by creation.
	ListStatesByStatus(ctx context.Context, namespace string, statuses []state.Status) ([]*state.State, error)

	// Claim moves up to q.Limit eligible CREATED states to QUEUED, oldest
	// first, and returns them. A state is returned by at most one call.
	Claim(ctx context.Context, q ClaimQuery) ([]*state.State, error)

	// ListExpired returns up to limit QUEUED states whose lease expired at or
	// before now, earliest expiry first. It does not modify them; callers
	// settle each one with a Transition from QUEUED.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*state.State, error)

	// Transition applies t atomically. It returns ErrInvalidTransition when t
	// is not a lifecycle edge, ErrNotFound for an unknown state, and the
	// stored state together with ErrStatusConflict when the state is not in
	// t.From.
	Transition(ctx context.Context, t Transition) (*state.State, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	NodeStore
	TemplateStore
	RunStore
	StateStore
	Close() error
}

// CheckTransition reports whether t follows the lifecycle table. Backends
// call it before touching storage.
func CheckTransition(t Transition) error {
	from := t.From
	if t.Via != "" {
		if !state.CanTransition(from, t.Via) {
			return fmt.Errorf("state %s: %s -> %s: %w", t.StateID, from, t.Via, ErrInvalidTransition)
		}
		from = t.Via
	}
	if !state.CanTransition(from, t.To) {
		return fmt.Errorf("state %s: %s -> %s: %w", t.StateID, from, t.To, ErrInvalidTransition)
	}
	return nil
}

// Apply performs the in-memory part of a transition on s. Backends call it
// after checking the compare-and-set condition.
func Apply(s *state.State, t Transition) {
	s.Status = t.To
	if t.Outputs != nil {
		s.Outputs = state.CloneDocument(t.Outputs)
	}
	if t.Error != "" {
		s.Error = t.Error
	}
	s.LeaseExpiresAt = nil
	s.UpdatedAt = t.Now
}

// Less orders states by creation time, then id.
func Less(a, b *state.State) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
