package file

import (
	"cmp"
	"context"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
)

// shotDocument is everything stored for one shot.
type shotDocument struct {
	ShotID       string         `json:"shot_id"`
	Takes        []*models.Take `json:"takes"`
	ActiveTakeID string         `json:"active_take_id,omitempty"`
	LastSequence int64          `json:"last_sequence"`
}

// TakeRepository keeps one JSON document per shot under shots/.
type TakeRepository struct {
	root string
	mu   sync.Mutex
}

func NewTakeRepository(root string) *TakeRepository {
	return &TakeRepository{root: filepath.Join(root, "shots")}
}

func (tr *TakeRepository) load(shotID string) (string, *shotDocument, error) {
	path, err := fileName(tr.root, shotID)
	if err != nil {
		return "", nil, err
	}

	doc := &shotDocument{ShotID: shotID}

	_, err = readJSON(path, doc)
	if err != nil {
		return "", nil, err
	}

	return path, doc, nil
}

// update runs fn on the shot document and writes it back when fn succeeds.
func (tr *TakeRepository) update(shotID string, fn func(doc *shotDocument) error) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	path, doc, err := tr.load(shotID)
	if err != nil {
		return err
	}

	err = fn(doc)
	if err != nil {
		return err
	}

	return writeJSON(path, doc)
}

func (tr *TakeRepository) read(shotID string) (*shotDocument, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	_, doc, err := tr.load(shotID)

	return doc, err
}

func (tr *TakeRepository) Save(_ context.Context, take *models.Take) error {
	err := tr.update(take.ShotID, func(doc *shotDocument) error {
		stored := *take

		index := slices.IndexFunc(doc.Takes, func(t *models.Take) bool { return t.ID == take.ID })
		if index < 0 {
			doc.Takes = append(doc.Takes, &stored)
		} else {
			doc.Takes[index] = &stored
		}

		slices.SortStableFunc(doc.Takes, func(a, b *models.Take) int {
			return cmp.Compare(a.Sequence, b.Sequence)
		})

		return nil
	})
	if err != nil {
		return persistence.NewTakeError("Save", take.ShotID, take.ID, err)
	}

	return nil
}

func (tr *TakeRepository) Get(_ context.Context, shotID, takeID string) (*models.Take, error) {
	doc, err := tr.read(shotID)
	if err != nil {
		return nil, persistence.NewTakeError("Get", shotID, takeID, err)
	}

	for _, take := range doc.Takes {
		if take.ID == takeID {
			return take, nil
		}
	}

	return nil, persistence.NewTakeError("Get", shotID, takeID, persistence.ErrTakeNotFound)
}

func (tr *TakeRepository) List(_ context.Context, shotID string) ([]*models.Take, error) {
	doc, err := tr.read(shotID)
	if err != nil {
		return nil, persistence.NewTakeError("List", shotID, "", err)
	}

	if doc.Takes == nil {
		return []*models.Take{}, nil
	}

	return doc.Takes, nil
}

func (tr *TakeRepository) Delete(_ context.Context, shotID, takeID string) error {
	err := tr.update(shotID, func(doc *shotDocument) error {
		index := slices.IndexFunc(doc.Takes, func(t *models.Take) bool { return t.ID == takeID })
		if index < 0 {
			return persistence.ErrTakeNotFound
		}

		doc.Takes = slices.Delete(doc.Takes, index, index+1)

		if doc.ActiveTakeID == takeID {
			doc.ActiveTakeID = ""
		}

		return nil
	})
	if err != nil {
		return persistence.NewTakeError("Delete", shotID, takeID, err)
	}

	return nil
}

func (tr *TakeRepository) ActiveTake(_ context.Context, shotID string) (string, error) {
	doc, err := tr.read(shotID)
	if err != nil {
		return "", persistence.NewTakeError("ActiveTake", shotID, "", err)
	}

	return doc.ActiveTakeID, nil
}

func (tr *TakeRepository) SetActiveTake(_ context.Context, shotID, takeID string) error {
	err := tr.update(shotID, func(doc *shotDocument) error {
		if takeID != "" && !slices.ContainsFunc(doc.Takes, func(t *models.Take) bool { return t.ID == takeID }) {
			return persistence.ErrTakeNotFound
		}

		doc.ActiveTakeID = takeID

		return nil
	})
	if err != nil {
		return persistence.NewTakeError("SetActiveTake", shotID, takeID, err)
	}

	return nil
}

func (tr *TakeRepository) NextSequence(_ context.Context, shotID string) (int64, error) {
	var sequence int64

	err := tr.update(shotID, func(doc *shotDocument) error {
		doc.LastSequence++
		sequence = doc.LastSequence

		return nil
	})
	if err != nil {
		return 0, persistence.NewTakeError("NextSequence", shotID, "", err)
	}

	return sequence, nil
}
