// Package apperr defines the domain error taxonomy shared by the engine's services.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation that is illegal in the current lifecycle state.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: current state is %s", e.Op, e.State)
}

// InvalidState builds an InvalidStateError.
func InvalidState(op, state string) error {
	return &InvalidStateError{Op: op, State: state}
}

// AlreadyFinalizedError is returned when a closed payroll already exists for an event.
type AlreadyFinalizedError struct {
	EventID string
}

func (e *AlreadyFinalizedError) Error() string {
	return "payroll already finalized for event " + e.EventID
}

// NotFoundError reports an unknown event or payroll.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// PriceUnavailableError reports a failed market price lookup.
type PriceUnavailableError struct {
	Material string
	Err      error
}

func (e *PriceUnavailableError) Error() string {
	msg := "price unavailable"
	if e.Material != "" {
		msg += " for " + e.Material
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PriceUnavailableError) Unwrap() error { return e.Err }

// TrackerUnavailableError reports a failed presence tracker notification. It is only logged.
type TrackerUnavailableError struct {
	EventID string
	Err     error
}

func (e *TrackerUnavailableError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("presence tracker unavailable: %v", e.Err)
	}
	return fmt.Sprintf("presence tracker unavailable for event %s: %v", e.EventID, e.Err)
}

func (e *TrackerUnavailableError) Unwrap() error { return e.Err }

// ConsistencyError reports a violated internal invariant such as payouts not reconciling.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency violation: " + e.Detail
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyFinalized reports whether err is or wraps an AlreadyFinalizedError.
func IsAlreadyFinalized(err error) bool {
	var af *AlreadyFinalizedError
	return errors.As(err, &af)
}
