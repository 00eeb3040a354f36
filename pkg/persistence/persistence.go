// Package persistence defines the storage contracts for project graphs and takes.
package persistence

import (
	"context"

	"github.com/dukex/storyflow/pkg/models"
)

type Persistence interface {
	GraphRepository() GraphRepository
	TakeRepository() TakeRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// GraphRepository stores the canonical graph of each project.
type GraphRepository interface {
	// Load returns nil and no error when the project has never been saved.
	Load(ctx context.Context, projectID string) (*models.ProjectState, error)
	Save(ctx context.Context, state *models.ProjectState) error
}

// TakeRepository stores take records and the active take pointer per shot.
type TakeRepository interface {
	// Save inserts or replaces a take.
	Save(ctx context.Context, take *models.Take) error
	Get(ctx context.Context, shotID, takeID string) (*models.Take, error)
	// List returns the takes of a shot ordered by sequence.
	List(ctx context.Context, shotID string) ([]*models.Take, error)
	Delete(ctx context.Context, shotID, takeID string) error

	// ActiveTake returns the active take id of a shot, or "" when none is set.
	ActiveTake(ctx context.Context, shotID string) (string, error)
	// SetActiveTake points the shot at takeID. An empty takeID clears it.
	SetActiveTake(ctx context.Context, shotID, takeID string) error

	// NextSequence allocates the next take sequence of a shot. Sequences are
	// never handed out twice, even after the takes holding them are deleted.
	NextSequence(ctx context.Context, shotID string) (int64, error)
}
