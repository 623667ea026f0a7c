// Package domain defines the core domain models for feedcheck.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
// Codes have the form FC-<AREA>-<NNNN>.
type DomainError struct {
	Code    string // Error code (e.g., "FC-FEED-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true // Only check if it's a DomainError
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Change Feed Errors (FEED)
// ============================================================================

var (
	// ErrFeedNotRegistered indicates the feed id is unknown to the store.
	ErrFeedNotRegistered = NewDomainError("FC-FEED-4040", "change feed not registered")

	// ErrFeedPopped indicates a read below the feed's retained-log boundary.
	ErrFeedPopped = NewDomainError("FC-FEED-4100", "change feed mutations already popped")

	// ErrFeedConflict indicates the feed id is already registered.
	ErrFeedConflict = NewDomainError("FC-FEED-4090", "change feed id conflict")
)

// ============================================================================
// Protocol Errors (PROTO)
// ============================================================================

var (
	// ErrUnknownMutation indicates a mutation kind the harness cannot apply.
	// The store and the harness disagree on the log protocol; further
	// verification is meaningless.
	ErrUnknownMutation = NewDomainError("FC-PROTO-5000", "unrecognized mutation kind")

	// ErrProtocolViolation indicates a stream broke its ordering contract.
	ErrProtocolViolation = NewDomainError("FC-PROTO-5001", "stream protocol violation")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrTransient marks a store failure that is safe to retry.
	ErrTransient = NewDomainError("FC-SYS-5030", "transient store error")

	// ErrStorageError indicates a non-transient storage layer error.
	ErrStorageError = NewDomainError("FC-SYS-5001", "storage error")

	// ErrInternal indicates an internal error.
	ErrInternal = NewDomainError("FC-SYS-5000", "internal error")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("FC-ARG-1001", "invalid argument")

	// ErrInvalidRange indicates a key range with Begin > End.
	ErrInvalidRange = NewDomainError("FC-ARG-1002", "invalid key range")
)

// IsTransient reports whether err is marked as a transient store error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
