package engine

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/smallnest/stateflow/state"
)

// Event describes one status change of a state. From is empty for a state
// that was just created.
type Event struct {
	StateID    string       `json:"state_id"`
	RunID      string       `json:"run_id"`
	Namespace  string       `json:"namespace"`
	NodeName   string       `json:"node_name"`
	Identifier string       `json:"identifier"`
	From       state.Status `json:"from,omitempty"`
	To         state.Status `json:"to"`
	At         time.Time    `json:"at"`
}

// Listener defines the interface for state transition listeners
type Listener interface {
	// OnTransition is called after a transition has been persisted
	OnTransition(ctx context.Context, event Event)
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(ctx context.Context, event Event)

// OnTransition implements the Listener interface
func (f ListenerFunc) OnTransition(ctx context.Context, event Event) {
	f(ctx, event)
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

// AddListener adds a listener to the engine. The returned function removes
// exactly this registration and is the only way to remove a ListenerFunc.
func (e *Engine) AddListener(l Listener) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listenerID++
	id := e.listenerID
	e.listeners = append(e.listeners, listenerEntry{id: id, listener: l})
	return func() { e.removeListener(func(entry listenerEntry) bool { return entry.id == id }) }
}

// RemoveListener removes every registration of l. Listeners of a
// non-comparable type, such as ListenerFunc, are never matched.
func (e *Engine) RemoveListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	e.removeListener(func(entry listenerEntry) bool { return entry.listener == l })
}

func (e *Engine) removeListener(match func(listenerEntry) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = slices.DeleteFunc(e.listeners, match)
}

// notify delivers the event to every listener and waits for them. A panicking
// listener is logged and does not affect the others.
func (e *Engine) notify(ctx context.Context, s *state.State, from, to state.Status) {
	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	for i, entry := range e.listeners {
		listeners[i] = entry.listener
	}
	e.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	event := Event{
		StateID:    s.ID,
		RunID:      s.RunID,
		Namespace:  s.Namespace,
		NodeName:   s.NodeName,
		Identifier: s.Identifier,
		From:       from,
		To:         to,
		At:         s.UpdatedAt,
	}

	var wg sync.WaitGroup
	for _, listener := range listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("listener panicked on %s -> %s of state %s: %v", from, to, s.ID, r)
				}
			}()
			l.OnTransition(ctx, event)
		}(listener)
	}
	wg.Wait()
}
