package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// GraphRepository stores each project state as a JSON string.
type GraphRepository struct {
	client *redis.Client
}

func NewGraphRepository(client *redis.Client) *GraphRepository {
	return &GraphRepository{client: client}
}

func (r *GraphRepository) key(projectID string) string {
	return keyPrefix + "project:" + projectID
}

func (r *GraphRepository) Load(ctx context.Context, projectID string) (*models.ProjectState, error) {
	body, err := r.client.Get(ctx, r.key(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	var state models.ProjectState

	err = json.Unmarshal(body, &state)
	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	return &state, nil
}

func (r *GraphRepository) Save(ctx context.Context, state *models.ProjectState) error {
	if state == nil || state.ProjectID == "" {
		return persistence.ErrInvalidProjectState
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(state)
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	err = r.client.Set(ctx, r.key(state.ProjectID), body, 0).Err()
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	return nil
}
