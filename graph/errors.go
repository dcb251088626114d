package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies template validation failures.
type ErrorKind string

const (
	UnknownNode           ErrorKind = "UnknownNode"
	AmbiguousNode         ErrorKind = "AmbiguousNode"
	CycleDetected         ErrorKind = "CycleDetected"
	DanglingEdge          ErrorKind = "DanglingEdge"
	MissingSecret         ErrorKind = "MissingSecret"
	DuplicateIdentifier   ErrorKind = "DuplicateIdentifier"
	UnsatisfiedInput      ErrorKind = "UnsatisfiedInput"
	InvalidInputReference ErrorKind = "InvalidInputReference"
)

var (
	ErrUnknownNode           = errors.New("unknown node")
	ErrAmbiguousNode         = errors.New("ambiguous node")
	ErrCycleDetected         = errors.New("cycle detected")
	ErrDanglingEdge          = errors.New("dangling edge")
	ErrMissingSecret         = errors.New("missing secret")
	ErrDuplicateIdentifier   = errors.New("duplicate identifier")
	ErrUnsatisfiedInput      = errors.New("unsatisfied input")
	ErrInvalidInputReference = errors.New("invalid input reference")
)

var kindErrors = map[ErrorKind]error{
	UnknownNode:           ErrUnknownNode,
	AmbiguousNode:         ErrAmbiguousNode,
	CycleDetected:         ErrCycleDetected,
	DanglingEdge:          ErrDanglingEdge,
	MissingSecret:         ErrMissingSecret,
	DuplicateIdentifier:   ErrDuplicateIdentifier,
	UnsatisfiedInput:      ErrUnsatisfiedInput,
	InvalidInputReference: ErrInvalidInputReference,
}

// ValidationError is one problem found while compiling a template.
type ValidationError struct {
	Kind       ErrorKind `json:"kind"`
	Identifier string    `json:"identifier,omitempty"`
	// Path is the identifier chain of a cycle, or the offending edge.
	Path    []string `json:"path,omitempty"`
	Message string   `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Message
}

func (e ValidationError) Unwrap() error {
	return kindErrors[e.Kind]
}

func newIssue(kind ErrorKind, identifier string, path []string, format string, args ...any) ValidationError {
	return ValidationError{
		Kind:       kind,
		Identifier: identifier,
		Path:       path,
		Message:    fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...)),
	}
}

// Err joins the template issues into one error, or returns nil for a valid template.
func (t *Template) Err() error {
	if len(t.Issues) == 0 {
		return nil
	}
	errs := make([]error, len(t.Issues))
	for i, issue := range t.Issues {
		errs[i] = issue
	}
	return errors.Join(errs...)
}

func formatPath(path []string) string {
	return strings.Join(path, " -> ")
}
