package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// TakeRepository keeps, per shot, a hash of take documents, a sorted set
// ordering them by sequence, the active take id and a sequence counter.
type TakeRepository struct {
	client *redis.Client
}

func NewTakeRepository(client *redis.Client) *TakeRepository {
	return &TakeRepository{client: client}
}

func shotKey(shotID, suffix string) string {
	return keyPrefix + "shot:{" + shotID + "}:" + suffix
}

func takesKey(shotID string) string    { return shotKey(shotID, "takes") }
func orderKey(shotID string) string    { return shotKey(shotID, "order") }
func activeKey(shotID string) string   { return shotKey(shotID, "active") }
func sequenceKey(shotID string) string { return shotKey(shotID, "sequence") }

func (r *TakeRepository) Save(ctx context.Context, take *models.Take) error {
	body, err := json.Marshal(take)
	if err != nil {
		return persistence.NewTakeError("Save", take.ShotID, take.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, takesKey(take.ShotID), take.ID, body)
		pipe.ZAdd(ctx, orderKey(take.ShotID), redis.Z{Score: float64(take.Sequence), Member: take.ID})

		return nil
	})
	if err != nil {
		return persistence.NewTakeError("Save", take.ShotID, take.ID, err)
	}

	return nil
}

func decodeTake(body string) (*models.Take, error) {
	var take models.Take

	err := json.Unmarshal([]byte(body), &take)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal take: %w", err)
	}

	return &take, nil
}

func (r *TakeRepository) Get(ctx context.Context, shotID, takeID string) (*models.Take, error) {
	body, err := r.client.HGet(ctx, takesKey(shotID), takeID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.NewTakeError("Get", shotID, takeID, persistence.ErrTakeNotFound)
	}

	if err != nil {
		return nil, persistence.NewTakeError("Get", shotID, takeID, err)
	}

	take, err := decodeTake(body)
	if err != nil {
		return nil, persistence.NewTakeError("Get", shotID, takeID, err)
	}

	return take, nil
}

func (r *TakeRepository) List(ctx context.Context, shotID string) ([]*models.Take, error) {
	ids, err := r.client.ZRange(ctx, orderKey(shotID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewTakeError("List", shotID, "", err)
	}

	takes := make([]*models.Take, 0, len(ids))
	if len(ids) == 0 {
		return takes, nil
	}

	values, err := r.client.HMGet(ctx, takesKey(shotID), ids...).Result()
	if err != nil {
		return nil, persistence.NewTakeError("List", shotID, "", err)
	}

	for _, value := range values {
		body, ok := value.(string)
		if !ok {
			continue
		}

		take, err := decodeTake(body)
		if err != nil {
			return nil, persistence.NewTakeError("List", shotID, "", err)
		}

		takes = append(takes, take)
	}

	return takes, nil
}

func (r *TakeRepository) Delete(ctx context.Context, shotID, takeID string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, takesKey(shotID), takeID).Result()
		if err != nil {
			return err
		}

		if !exists {
			return persistence.ErrTakeNotFound
		}

		active, err := tx.Get(ctx, activeKey(shotID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, takesKey(shotID), takeID)
			pipe.ZRem(ctx, orderKey(shotID), takeID)

			if active == takeID {
				pipe.Del(ctx, activeKey(shotID))
			}

			return nil
		})

		return err
	}, takesKey(shotID), activeKey(shotID))
	if err != nil {
		return persistence.NewTakeError("Delete", shotID, takeID, err)
	}

	return nil
}

func (r *TakeRepository) ActiveTake(ctx context.Context, shotID string) (string, error) {
	takeID, err := r.client.Get(ctx, activeKey(shotID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", persistence.NewTakeError("ActiveTake", shotID, "", err)
	}

	return takeID, nil
}

func (r *TakeRepository) SetActiveTake(ctx context.Context, shotID, takeID string) error {
	if takeID == "" {
		err := r.client.Del(ctx, activeKey(shotID)).Err()
		if err != nil {
			return persistence.NewTakeError("SetActiveTake", shotID, "", err)
		}

		return nil
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, takesKey(shotID), takeID).Result()
		if err != nil {
			return err
		}

		if !exists {
			return persistence.ErrTakeNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, activeKey(shotID), takeID, 0)

			return nil
		})

		return err
	}, takesKey(shotID))
	if err != nil {
		return persistence.NewTakeError("SetActiveTake", shotID, takeID, err)
	}

	return nil
}

func (r *TakeRepository) NextSequence(ctx context.Context, shotID string) (int64, error) {
	sequence, err := r.client.Incr(ctx, sequenceKey(shotID)).Result()
	if err != nil {
		return 0, persistence.NewTakeError("NextSequence", shotID, "", err)
	}

	return sequence, nil
}
