package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrTakeNotFound indicates a take was not found for the given shot.
	ErrTakeNotFound = errors.New("take not found")

	// ErrInvalidProjectState indicates a project state without an id.
	ErrInvalidProjectState = errors.New("invalid project state")
)

// TakeError wraps take-related errors with additional context.
type TakeError struct {
	Op     string // Operation being performed (e.g., "Get", "Delete")
	ShotID string
	TakeID string
	Err    error
}

func (e *TakeError) Error() string {
	if e.TakeID == "" {
		return fmt.Sprintf("%s operation failed for shot %s: %v", e.Op, e.ShotID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for take %s of shot %s: %v", e.Op, e.TakeID, e.ShotID, e.Err)
}

func (e *TakeError) Unwrap() error {
	return e.Err
}

func (e *TakeError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTakeError(op, shotID, takeID string, err error) *TakeError {
	return &TakeError{
		Op:     op,
		ShotID: shotID,
		TakeID: takeID,
		Err:    err,
	}
}

// ProjectError wraps graph storage errors of a project.
type ProjectError struct {
	Op        string
	ProjectID string
	Err       error
}

func (e *ProjectError) Error() string {
	return fmt.Sprintf("%s operation failed for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *ProjectError) Unwrap() error {
	return e.Err
}

func NewProjectError(op, projectID string, err error) *ProjectError {
	return &ProjectError{Op: op, ProjectID: projectID, Err: err}
}

// IsTakeNotFound checks if an error indicates a take was not found.
func IsTakeNotFound(err error) bool {
	return errors.Is(err, ErrTakeNotFound)
}
