package mocks

import (
	"context"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockGraphRepository is a mock implementation of persistence.GraphRepository interface.
type MockGraphRepository struct {
	mock.Mock
}

func (m *MockGraphRepository) Load(ctx context.Context, projectID string) (*models.ProjectState, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ProjectState), args.Error(1)
}

func (m *MockGraphRepository) Save(ctx context.Context, state *models.ProjectState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

// MockTakeRepository is a mock implementation of persistence.TakeRepository interface.
type MockTakeRepository struct {
	mock.Mock
}

func (m *MockTakeRepository) Save(ctx context.Context, take *models.Take) error {
	args := m.Called(ctx, take)

	return args.Error(0)
}

func (m *MockTakeRepository) Get(ctx context.Context, shotID, takeID string) (*models.Take, error) {
	args := m.Called(ctx, shotID, takeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Take), args.Error(1)
}

func (m *MockTakeRepository) List(ctx context.Context, shotID string) ([]*models.Take, error) {
	args := m.Called(ctx, shotID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Take), args.Error(1)
}

func (m *MockTakeRepository) Delete(ctx context.Context, shotID, takeID string) error {
	args := m.Called(ctx, shotID, takeID)

	return args.Error(0)
}

func (m *MockTakeRepository) ActiveTake(ctx context.Context, shotID string) (string, error) {
	args := m.Called(ctx, shotID)

	return args.String(0), args.Error(1)
}

func (m *MockTakeRepository) SetActiveTake(ctx context.Context, shotID, takeID string) error {
	args := m.Called(ctx, shotID, takeID)

	return args.Error(0)
}

func (m *MockTakeRepository) NextSequence(ctx context.Context, shotID string) (int64, error) {
	args := m.Called(ctx, shotID)

	return args.Get(0).(int64), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Graphs *MockGraphRepository
	Takes  *MockTakeRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Graphs: &MockGraphRepository{},
		Takes:  &MockTakeRepository{},
	}
}

func (m *MockPersistence) GraphRepository() persistence.GraphRepository {
	return m.Graphs
}

func (m *MockPersistence) TakeRepository() persistence.TakeRepository {
	return m.Takes
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
