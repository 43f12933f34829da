package job

import (
	"errors"
	"fmt"
)

// Code is the machine-readable classification of a job error.
type Code string

const (
	CodeValidation Code = "validation"
	CodePipeline   Code = "pipeline"
	CodeCancelled  Code = "cancelled"
	CodeTimeout    Code = "timeout"
	CodeResource   Code = "resource_exhausted"
)

// Common error constants
var (
	// ErrAlreadyTerminal is returned when a second terminal transition is attempted
	ErrAlreadyTerminal = errors.New("job already in a terminal state")

	// ErrNotTerminal is returned when Remove is called on a live job
	ErrNotTerminal = errors.New("job has not reached a terminal state")

	// ErrNotFound is returned when a job ID is not in the registry
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job ID is added twice
	ErrDuplicateJob = errors.New("job already registered")
)

// Error is the job error taxonomy. Every terminal failure surfaces one of
// these so callers can branch on Code without string matching.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError marks bad construction input. A job failing validation
// never reaches Running and never enters the registry.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewPipelineError marks a domain-logic failure inside a job body.
func NewPipelineError(message string, err error) *Error {
	return &Error{Code: CodePipeline, Message: message, Err: err}
}

// NewCancellationError marks an observed cancellation. It is never reported
// as a plain failure.
func NewCancellationError(reason string) *Error {
	return &Error{Code: CodeCancelled, Message: reason}
}

// NewTimeoutError marks a watchdog-initiated cancellation.
func NewTimeoutError(reason string) *Error {
	return &Error{Code: CodeTimeout, Message: reason}
}

// NewResourceError marks a memory threshold breach that a pipeline chose to
// escalate.
func NewResourceError(message string) *Error {
	return &Error{Code: CodeResource, Message: message}
}

// CodeOf extracts the taxonomy code from err, defaulting to CodePipeline for
// untyped errors.
func CodeOf(err error) Code {
	var je *Error
	if errors.As(err, &je) {
		return je.Code
	}
	return CodePipeline
}

// IsCancellation reports whether err represents an observed cancellation.
func IsCancellation(err error) bool {
	return CodeOf(err) == CodeCancelled
}

// IsTimeout reports whether err represents a watchdog timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}
