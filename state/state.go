package state

import (
	"maps"
	"time"
)

// Document is a schema-less structured value used for state inputs and outputs.
type Document = map[string]any

// State is one execution record of a single node instance within a run.
type State struct {
	ID         string            `json:"state_id"`
	RunID      string            `json:"run_id"`
	Namespace  string            `json:"namespace"`
	GraphName  string            `json:"graph_name"`
	NodeName   string            `json:"node_name"`
	Identifier string            `json:"identifier"`
	Inputs     Document          `json:"inputs"`
	Outputs    Document          `json:"outputs"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Parents    map[string]string `json:"parents"`

	// RetryCount is the number of failed attempts that preceded this one.
	RetryCount int `json:"retry_count"`

	// EnqueueAfter is the earliest time the state may be dispatched.
	EnqueueAfter time.Time `json:"enqueue_after"`

	// LeaseExpiresAt is set while the state is dispatched (QUEUED).
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the state was created directly for a run rather than
// spawned from another state.
func (s *State) IsRoot() bool {
	for _, id := range s.Parents {
		if id != "" {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Inputs = CloneDocument(s.Inputs)
	c.Outputs = CloneDocument(s.Outputs)
	c.Parents = maps.Clone(s.Parents)
	if c.Parents == nil {
		c.Parents = map[string]string{}
	}
	if s.LeaseExpiresAt != nil {
		t := *s.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

// RequestState asks for one root state of a run.
type RequestState struct {
	Identifier string   `json:"identifier"`
	Inputs     Document `json:"inputs"`
}

// CloneDocument deep-copies nested maps and slices; scalar values are shared.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a document value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = CloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
