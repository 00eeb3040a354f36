package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/lib/pq"
)

const foreignKeyViolation = "23503"

// TakeRepository handles take-related database operations.
type TakeRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTakeRepository(db *sql.DB, logger *slog.Logger) *TakeRepository {
	return &TakeRepository{db: db, logger: logger}
}

const takeColumns = `
			shot_id
		  , id
		  , project_id
		  , node_id
		  , sequence
		  , job_id
		  , file_path
		  , thumbnail_path
		  , status
		  , created_at
		  , completed_at
		  , file_size
		  , generation_params
		  , quality
		  , error_message
`

type scanner interface {
	Scan(dest ...any) error
}

func (r *TakeRepository) scanTake(row scanner) (*models.Take, error) {
	var (
		take          models.Take
		projectID     sql.NullString
		nodeID        sql.NullString
		jobID         sql.NullString
		thumbnailPath sql.NullString
		completedAt   sql.NullTime
		fileSize      sql.NullInt64
		params        []byte
		errorMessage  sql.NullString
	)

	err := row.Scan(
		&take.ShotID,
		&take.ID,
		&projectID,
		&nodeID,
		&take.Sequence,
		&jobID,
		&take.FilePath,
		&thumbnailPath,
		&take.Status,
		&take.Created,
		&completedAt,
		&fileSize,
		&params,
		&take.Resources.Quality,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	take.ProjectID = projectID.String
	take.NodeID = nodeID.String
	take.JobID = jobID.String
	take.ThumbnailPath = thumbnailPath.String
	take.Error = errorMessage.String

	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		take.CompletedAt = &completed
	}

	if fileSize.Valid {
		size := fileSize.Int64
		take.FileSize = &size
	}

	take.Created = take.Created.UTC()

	if len(params) > 0 {
		err = json.Unmarshal(params, &take.GenerationParams)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal generation params: %w", err)
		}
	}

	return &take, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *TakeRepository) Save(ctx context.Context, take *models.Take) error {
	params, err := json.Marshal(take.GenerationParams)
	if err != nil {
		return persistence.NewTakeError("Save", take.ShotID, take.ID, err)
	}

	var (
		completedAt sql.NullTime
		fileSize    sql.NullInt64
	)

	if take.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *take.CompletedAt, Valid: true}
	}

	if take.FileSize != nil {
		fileSize = sql.NullInt64{Int64: *take.FileSize, Valid: true}
	}

	query := `
		INSERT INTO takes (` + takeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (shot_id, id) DO UPDATE SET
			project_id = EXCLUDED.project_id
		  , node_id = EXCLUDED.node_id
		  , job_id = EXCLUDED.job_id
		  , file_path = EXCLUDED.file_path
		  , thumbnail_path = EXCLUDED.thumbnail_path
		  , status = EXCLUDED.status
		  , completed_at = EXCLUDED.completed_at
		  , file_size = EXCLUDED.file_size
		  , generation_params = EXCLUDED.generation_params
		  , quality = EXCLUDED.quality
		  , error_message = EXCLUDED.error_message
	`

	_, err = r.db.ExecContext(ctx, query,
		take.ShotID,
		take.ID,
		nullString(take.ProjectID),
		nullString(take.NodeID),
		take.Sequence,
		nullString(take.JobID),
		take.FilePath,
		nullString(take.ThumbnailPath),
		string(take.Status),
		take.Created,
		completedAt,
		fileSize,
		params,
		take.Resources.Quality,
		nullString(take.Error),
	)
	if err != nil {
		return persistence.NewTakeError("Save", take.ShotID, take.ID, err)
	}

	return nil
}

func (r *TakeRepository) Get(ctx context.Context, shotID, takeID string) (*models.Take, error) {
	query := `SELECT ` + takeColumns + ` FROM takes WHERE shot_id = $1 AND id = $2`

	take, err := r.scanTake(r.db.QueryRowContext(ctx, query, shotID, takeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewTakeError("Get", shotID, takeID, persistence.ErrTakeNotFound)
	}

	if err != nil {
		return nil, persistence.NewTakeError("Get", shotID, takeID, err)
	}

	return take, nil
}

func (r *TakeRepository) List(ctx context.Context, shotID string) ([]*models.Take, error) {
	query := `SELECT ` + takeColumns + ` FROM takes WHERE shot_id = $1 ORDER BY sequence ASC`

	rows, err := r.db.QueryContext(ctx, query, shotID)
	if err != nil {
		return nil, persistence.NewTakeError("List", shotID, "", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	takes := make([]*models.Take, 0)

	for rows.Next() {
		take, err := r.scanTake(rows)
		if err != nil {
			return nil, persistence.NewTakeError("List", shotID, "", fmt.Errorf("failed to scan take: %w", err))
		}

		takes = append(takes, take)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewTakeError("List", shotID, "", fmt.Errorf("error iterating takes: %w", err))
	}

	return takes, nil
}

func (r *TakeRepository) Delete(ctx context.Context, shotID, takeID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM takes WHERE shot_id = $1 AND id = $2", shotID, takeID)
	if err != nil {
		return persistence.NewTakeError("Delete", shotID, takeID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTakeError("Delete", shotID, takeID, err)
	}

	if affected == 0 {
		return persistence.NewTakeError("Delete", shotID, takeID, persistence.ErrTakeNotFound)
	}

	return nil
}

func (r *TakeRepository) ActiveTake(ctx context.Context, shotID string) (string, error) {
	var takeID string

	err := r.db.QueryRowContext(ctx, "SELECT take_id FROM active_takes WHERE shot_id = $1", shotID).Scan(&takeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", persistence.NewTakeError("ActiveTake", shotID, "", err)
	}

	return takeID, nil
}

func (r *TakeRepository) SetActiveTake(ctx context.Context, shotID, takeID string) error {
	if takeID == "" {
		_, err := r.db.ExecContext(ctx, "DELETE FROM active_takes WHERE shot_id = $1", shotID)
		if err != nil {
			return persistence.NewTakeError("SetActiveTake", shotID, "", err)
		}

		return nil
	}

	query := `
		INSERT INTO active_takes (shot_id, take_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (shot_id) DO UPDATE SET
			take_id = EXCLUDED.take_id
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, shotID, takeID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return persistence.NewTakeError("SetActiveTake", shotID, takeID, persistence.ErrTakeNotFound)
	}

	if err != nil {
		return persistence.NewTakeError("SetActiveTake", shotID, takeID, err)
	}

	return nil
}

func (r *TakeRepository) NextSequence(ctx context.Context, shotID string) (int64, error) {
	query := `
		INSERT INTO take_sequences (shot_id, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (shot_id) DO UPDATE SET
			last_sequence = take_sequences.last_sequence + 1
		RETURNING last_sequence
	`

	var sequence int64

	err := r.db.QueryRowContext(ctx, query, shotID).Scan(&sequence)
	if err != nil {
		return 0, persistence.NewTakeError("NextSequence", shotID, "", err)
	}

	return sequence, nil
}
