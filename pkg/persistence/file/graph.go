package file

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
)

// GraphRepository keeps one JSON document per project under projects/.
type GraphRepository struct {
	root string
	mu   sync.Mutex
}

func NewGraphRepository(root string) *GraphRepository {
	return &GraphRepository{root: filepath.Join(root, "projects")}
}

func (gr *GraphRepository) Load(_ context.Context, projectID string) (*models.ProjectState, error) {
	path, err := fileName(gr.root, projectID)
	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	gr.mu.Lock()
	defer gr.mu.Unlock()

	var state models.ProjectState

	found, err := readJSON(path, &state)
	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	if !found {
		return nil, nil
	}

	return &state, nil
}

func (gr *GraphRepository) Save(_ context.Context, state *models.ProjectState) error {
	if state == nil || state.ProjectID == "" {
		return persistence.ErrInvalidProjectState
	}

	path, err := fileName(gr.root, state.ProjectID)
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	gr.mu.Lock()
	defer gr.mu.Unlock()

	err = writeJSON(path, state)
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	return nil
}
