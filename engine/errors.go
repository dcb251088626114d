package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/state"
)

var (
	// ErrTemplateNotExecutable is returned when states are created against a
	// template that is not VALID.
	ErrTemplateNotExecutable = errors.New("template not executable")

	// ErrUnknownIdentifier is returned when a requested identifier is not part
	// of the template.
	ErrUnknownIdentifier = errors.New("unknown identifier")

	// ErrInvalidStateTransition is returned when a report or sweep finds the
	// state in a status that does not allow the requested move.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidInputs is returned when root inputs fail the node's inputs schema.
	ErrInvalidInputs = errors.New("invalid inputs")

	// ErrInvalidArgument is returned for malformed call arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRunConflict is returned when a run id is already bound to another graph.
	ErrRunConflict = errors.New("run conflict")
)

// TemplateError reports a template that cannot instantiate states.
type TemplateError struct {
	Namespace string
	Name      string
	Status    graph.ValidationStatus
	Errors    []string
}

func (e *TemplateError) Error() string {
	msg := fmt.Sprintf("template %s/%s is %s", e.Namespace, e.Name, e.Status)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

func (e *TemplateError) Unwrap() error {
	return ErrTemplateNotExecutable
}

// UnknownIdentifierError lists every requested identifier missing from a template.
type UnknownIdentifierError struct {
	GraphName   string
	Identifiers []string
}

func (e *UnknownIdentifierError) Error() string {
	return fmt.Sprintf("identifiers not in template %s: %s", e.GraphName, strings.Join(e.Identifiers, ", "))
}

func (e *UnknownIdentifierError) Unwrap() error {
	return ErrUnknownIdentifier
}

// TransitionError reports a rejected status change together with the status
// the state was actually in.
type TransitionError struct {
	StateID string
	Current state.Status
	To      state.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("state %s cannot move from %s to %s", e.StateID, e.Current, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// InputError reports root inputs rejected by a node's inputs schema.
type InputError struct {
	Identifier string
	Err        error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("inputs of %s: %v", e.Identifier, e.Err)
}

func (e *InputError) Unwrap() []error {
	return []error{ErrInvalidInputs, e.Err}
}
