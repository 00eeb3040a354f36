// Package services implements the take registry on top of persistence, the
// artifact store and the job dispatcher.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest     = errors.New("invalid request")
	ErrShotIDRequired     = errors.New("shot ID is required")
	ErrTakeIDRequired     = errors.New("take ID is required")
	ErrInvalidQuality     = errors.New("invalid quality")
	ErrInvalidExportMode  = errors.New("invalid export mode")
	ErrInvalidDestination = errors.New("invalid export destination")
	ErrLinkUnsupported    = errors.New("artifact store does not support linking")

	// Business Logic Conflicts (409 Conflict).
	ErrTakeNotComplete = errors.New("take is not complete")
	ErrTakeFinalized   = errors.New("take already finalized")
	ErrExportExists    = errors.New("export destination already exists")

	// Unavailable features (503 Service Unavailable).
	ErrExportDisabled = errors.New("export is not configured")

	// Dispatch failure; the take is recorded as failed.
	ErrDispatchFailed = errors.New("failed to dispatch generation job")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrShotIDRequired) ||
		errors.Is(err, ErrTakeIDRequired) ||
		errors.Is(err, ErrInvalidQuality) ||
		errors.Is(err, ErrInvalidExportMode) ||
		errors.Is(err, ErrInvalidDestination) ||
		errors.Is(err, ErrLinkUnsupported) ||
		errors.Is(err, artifacts.ErrInvalidPath)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrTakeNotComplete) ||
		errors.Is(err, ErrTakeFinalized) ||
		errors.Is(err, ErrExportExists) ||
		errors.Is(err, artifacts.ErrArtifactExists)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, persistence.ErrTakeNotFound) ||
		errors.Is(err, artifacts.ErrArtifactNotFound)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func newConflictError(op, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "conflict",
		Message: message,
		Err:     err,
	}
}
