package state

import "slices"

// Status is the lifecycle status of a state.
type Status string

const (
	// Created states are instantiated but not yet dispatched.
	Created Status = "CREATED"
	// Queued states have been handed to a poller and carry a lease.
	Queued Status = "QUEUED"
	// Executed states have reported outputs and await fan-out.
	Executed Status = "EXECUTED"
	// NextCreated states have spawned their downstream states.
	NextCreated Status = "NEXT_CREATED"
	// Success states finished a branch with no downstream nodes.
	Success Status = "SUCCESS"
	// RetryCreated states failed and were replaced by a retry.
	RetryCreated Status = "RETRY_CREATED"
	// Errored states had a failure reported by a worker.
	Errored Status = "ERRORED"
	// TimedOut states lost their lease without a report.
	TimedOut Status = "TIMEDOUT"
	// Cancelled states exhausted their retries.
	Cancelled Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	Created, Queued, Executed, NextCreated, Success,
	Errored, TimedOut, RetryCreated, Cancelled,
}

var transitions = map[Status][]Status{
	Created:  {Queued},
	Queued:   {Executed, Errored, TimedOut},
	Executed: {NextCreated, Success},
	Errored:  {RetryCreated, Cancelled},
	TimedOut: {RetryCreated, Cancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case NextCreated, Success, RetryCreated, Cancelled:
		return true
	default:
		return false
	}
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	return slices.Clone(transitions[s])
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// NonTerminal lists the statuses of states that are still in flight.
func NonTerminal() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
