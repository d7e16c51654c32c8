// Package pipeline executes a task's declarative step list: template
// resolution, conditional skipping, schema-validated tool calls, and the
// per-step timeout discipline.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/fentz26/orbiter/internal/tools"
)

// Kind classifies a pipeline failure for run records and retry decisions.
type Kind string

const (
	KindTemplate  Kind = "template"
	KindSchema    Kind = "schema"
	KindTool      Kind = "tool"
	KindTimeout   Kind = "timeout"
	KindCanceled  Kind = "canceled"
	KindLeaseLost Kind = "lease_lost"
	KindStore     Kind = "store"
)

// Error is a classified step failure.
type Error struct {
	Kind      Kind
	Step      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: step %q: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a pipeline error, if err carries one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether the attempt may be retried within the task's
// retry budget.
func Retryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Retryable
	}
	return false
}

// classify wraps an error produced while executing one step.
func classify(stepID string, err error) *Error {
	var toolErr *tools.Error
	if errors.As(err, &toolErr) {
		kind := KindTool
		if toolErr.Kind == "schema" {
			kind = KindSchema
		}
		return &Error{Kind: kind, Step: stepID, Retryable: kind == KindTool && toolErr.Retryable, Err: err}
	}
	return &Error{Kind: KindTool, Step: stepID, Err: err}
}
