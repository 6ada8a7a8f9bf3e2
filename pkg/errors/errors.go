package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind defines different categories of errors
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindCancelled   Kind = "CANCELLED"
	KindTimeout     Kind = "TIMEOUT"
	KindUnavailable Kind = "UNAVAILABLE"
	KindInternal    Kind = "INTERNAL"
)

// Error is the custom error type for the application
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *Error) Unwrap() error {
	return e.Err
}

// Constructor functions for different error kinds

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewConflict creates a version conflict error
func NewConflict(message string) error {
	return &Error{Kind: KindConflict, Message: message}
}

// NewCancelled creates a cancellation error. Cancellation is an expected
// outcome for superseded writes, not a fault.
func NewCancelled(message string) error {
	return &Error{Kind: KindCancelled, Message: message}
}

// NewTimeout creates a timeout error
func NewTimeout(message string) error {
	return &Error{Kind: KindTimeout, Message: message}
}

// NewUnavailable creates an error for an unreachable or overloaded backend
func NewUnavailable(message string, err error) error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an *Error, preserve the kind
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return &Error{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind carried by err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var appErr *Error
	return stderrors.As(err, &appErr) && appErr.Kind == kind
}

// Kind checking functions

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsConflict checks if an error is a version conflict error
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsCancelled checks if an error is a cancellation
func IsCancelled(err error) bool { return is(err, KindCancelled) }

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsUnavailable checks if an error marks an unreachable backend
func IsUnavailable(err error) bool { return is(err, KindUnavailable) }

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool { return is(err, KindInternal) }

// IsRetryable reports whether a failed backend call is worth retrying.
// Only transient kinds qualify; validation, conflicts and cancellations
// will fail the same way again.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}
