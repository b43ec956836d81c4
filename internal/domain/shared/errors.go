// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. Besides google/uuid for event ids it
// has no external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Storage errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrCorruptData        = errors.New("corrupt data")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progression", "catalog", "store"
	Op      string // Operation that failed, e.g., "Load", "Decode"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Catalog errors
var (
	ErrCatalogInvalid       = NewDomainError("catalog", "Validate", ErrInvalidEntity, "invalid catalog definition")
	ErrAchievementNotFound  = NewDomainError("catalog", "Achievement", ErrNotFound, "achievement not found")
	ErrBadgeNotFound        = NewDomainError("catalog", "Badge", ErrNotFound, "badge not found")
	ErrDuplicateCatalogID   = NewDomainError("catalog", "Validate", ErrInvalidEntity, "duplicate catalog id")
	ErrInvalidMilestones    = NewDomainError("catalog", "Validate", ErrValueOutOfRange, "milestones must be ascending, positive and at most 3")
	ErrInvalidGoal          = NewDomainError("catalog", "Validate", ErrValueOutOfRange, "goal must be positive")
	ErrUnknownBadgeKind     = NewDomainError("catalog", "Validate", ErrInvalidInput, "unknown badge kind")
	ErrDuplicateSpecialKind = NewDomainError("catalog", "Validate", ErrInvalidEntity, "at most one badge per special kind")
)

// Progression errors
var (
	ErrInvalidUserID     = NewDomainError("progression", "Validate", ErrInvalidID, "invalid user id")
	ErrInvalidStreakName = NewDomainError("progression", "Validate", ErrInvalidID, "invalid streak name")
	ErrInvalidAmount     = NewDomainError("progression", "Validate", ErrNegativeValue, "amount must not be negative")
)

// Store errors
var (
	ErrStoreUnavailable = NewDomainError("store", "Access", ErrServiceUnavailable, "progression store is unavailable")
	ErrStoreTimeout     = NewDomainError("store", "Access", ErrTimeout, "progression store timed out")
	ErrBlobCorrupt      = NewDomainError("store", "Decode", ErrCorruptData, "stored blob could not be decoded")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
