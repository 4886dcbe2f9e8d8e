package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeNotFound represents lookups for absent nodes, fragments or sessions
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents idempotency short-circuits (already separated)
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTopology represents unmet structural preconditions on the graph
	ErrorTypeTopology ErrorType = "topology"
	// ErrorTypeStore represents transient store failures, retryable per step
	ErrorTypeStore ErrorType = "store"
	// ErrorTypePartial represents a saga step failing after earlier steps committed
	ErrorTypePartial ErrorType = "partial"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// ErrTopicNotFound is returned when a topic node cannot be resolved
type ErrTopicNotFound struct {
	*BaseError
	NodeID string
}

func NewTopicNotFound(nodeID string) *ErrTopicNotFound {
	return &ErrTopicNotFound{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("topic not found: %s", nodeID), nil),
		NodeID:    nodeID,
	}
}

// ErrFragmentNotFound is returned when an answer fragment cannot be resolved
type ErrFragmentNotFound struct {
	*BaseError
	FragmentID string
}

func NewFragmentNotFound(fragmentID string) *ErrFragmentNotFound {
	return &ErrFragmentNotFound{
		BaseError:  NewBaseError(ErrorTypeNotFound, fmt.Sprintf("fragment not found: %s", fragmentID), nil),
		FragmentID: fragmentID,
	}
}

// ErrSessionNotFound is returned when a chat room cannot be resolved
type ErrSessionNotFound struct {
	*BaseError
	SessionID int64
}

func NewSessionNotFound(sessionID int64) *ErrSessionNotFound {
	return &ErrSessionNotFound{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("session not found: %d", sessionID), nil),
		SessionID: sessionID,
	}
}

// ErrAlreadySeparated is returned when a completed separation exists for the node.
// Callers treat it as a short-circuit carrying the prior result, not a failure.
type ErrAlreadySeparated struct {
	*BaseError
	NodeID       string
	NewSessionID int64
}

func NewAlreadySeparated(nodeID string, newSessionID int64) *ErrAlreadySeparated {
	return &ErrAlreadySeparated{
		BaseError:    NewBaseError(ErrorTypeConflict, fmt.Sprintf("topic already separated: %s", nodeID), nil),
		NodeID:       nodeID,
		NewSessionID: newSessionID,
	}
}

// ErrInvalidTopology is returned when a structural precondition is unmet,
// e.g. separating a node that has no parent edge
type ErrInvalidTopology struct {
	*BaseError
	NodeID string
	Reason string
}

func NewInvalidTopology(nodeID, reason string) *ErrInvalidTopology {
	return &ErrInvalidTopology{
		BaseError: NewBaseError(ErrorTypeTopology, fmt.Sprintf("invalid topology for %s: %s", nodeID, reason), nil),
		NodeID:    nodeID,
		Reason:    reason,
	}
}

// ErrStoreUnavailable is returned for transient store failures
type ErrStoreUnavailable struct {
	*BaseError
	Store string
}

func NewStoreUnavailable(store string, err error) *ErrStoreUnavailable {
	return &ErrStoreUnavailable{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("store unavailable: %s", store), err),
		Store:     store,
	}
}

// ErrPartialFailure is returned when a saga step cannot complete after earlier
// steps committed. LastCompletedStep lets a retry resume instead of restarting.
type ErrPartialFailure struct {
	*BaseError
	NodeID            string
	LastCompletedStep int
}

func NewPartialFailure(nodeID string, lastCompletedStep int, err error) *ErrPartialFailure {
	return &ErrPartialFailure{
		BaseError:         NewBaseError(ErrorTypePartial, fmt.Sprintf("separation of %s stalled after step %d", nodeID, lastCompletedStep), err),
		NodeID:            nodeID,
		LastCompletedStep: lastCompletedStep,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if baseErr, ok := err.(*BaseError); ok {
			return baseErr.Type == errType
		}
		if typed, ok := err.(interface{ base() *BaseError }); ok {
			return typed.base().Type == errType
		}
		err = errors.Unwrap(err)
	}
	return false
}

func (e *BaseError) base() *BaseError { return e }

// IsRetryable reports whether a step-level retry may succeed
func IsRetryable(err error) bool {
	// Structural and not-found errors never heal on retry
	if IsErrorType(err, ErrorTypeNotFound) || IsErrorType(err, ErrorTypeTopology) || IsErrorType(err, ErrorTypeConflict) {
		return false
	}
	return IsErrorType(err, ErrorTypeStore)
}

// IsNotFound reports whether err represents an absent node/fragment/session
func IsNotFound(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}
