package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
)

// GraphRepository stores project graphs as JSONB documents.
type GraphRepository struct {
	db *sql.DB
}

func NewGraphRepository(db *sql.DB) *GraphRepository {
	return &GraphRepository{db: db}
}

func (r *GraphRepository) Load(ctx context.Context, projectID string) (*models.ProjectState, error) {
	query := `
		SELECT
			graph
		  , version
		  , updated_at
		FROM project_graphs
		WHERE project_id = $1
	`

	var (
		body    []byte
		version int64
		state   = models.ProjectState{ProjectID: projectID}
	)

	err := r.db.QueryRowContext(ctx, query, projectID).Scan(&body, &version, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	err = json.Unmarshal(body, &state.Graph)
	if err != nil {
		return nil, persistence.NewProjectError("Load", projectID, err)
	}

	state.Version = uint64(version)

	return &state, nil
}

func (r *GraphRepository) Save(ctx context.Context, state *models.ProjectState) error {
	if state == nil || state.ProjectID == "" {
		return persistence.ErrInvalidProjectState
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(state.Graph)
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	query := `
		INSERT INTO project_graphs (project_id, graph, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id) DO UPDATE SET
			graph = EXCLUDED.graph
		  , version = EXCLUDED.version
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, state.ProjectID, body, int64(state.Version), state.UpdatedAt)
	if err != nil {
		return persistence.NewProjectError("Save", state.ProjectID, err)
	}

	return nil
}
