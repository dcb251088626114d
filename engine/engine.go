// Package engine orchestrates node registration, template compilation, state
// creation, dispatch, result processing and timeout recovery on top of a
// store.Store. The engine is reactive: apart from the Watchdog it runs no
// background loop, and every concurrency guarantee comes from the atomic
// primitives of the store.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/stateflow/log"
	"github.com/smallnest/stateflow/secret"
	"github.com/smallnest/stateflow/store"
)

// DefaultLeaseDuration is how long a dispatched state may run before the
// watchdog reclaims it.
const DefaultLeaseDuration = 5 * time.Minute

// Engine is the entry point for every lifecycle operation.
type Engine struct {
	store   store.Store
	secrets secret.Store
	logger  log.Logger
	retry   *RetryPolicy
	lease   time.Duration
	now     func() time.Time
	newID   func() string

	listeners  []listenerEntry
	listenerID uint64
	mu         sync.RWMutex
}

// New creates an engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		secrets: secret.NewMemoryStore(),
		logger:  log.GetDefaultLogger(),
		retry:   DefaultRetryPolicy(),
		lease:   DefaultLeaseDuration,
		now:     time.Now,
		newID:   newStateID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store {
	return e.store
}

// RetryPolicy returns the active retry policy.
func (e *Engine) RetryPolicy() RetryPolicy {
	return *e.retry
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// newStateID returns a time-ordered UUIDv7 so ties in created_at fall back to
// creation order.
func newStateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
