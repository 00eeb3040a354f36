package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/events"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/models"
)

// TaskUpdate is a progress report of a running take generation.
type TaskUpdate struct {
	ProjectID string
	NodeID    string
	ShotID    string
	TakeID    string
	JobID     string
	Progress  int
	Step      string
}

// TaskObserver receives generation progress and the final take state.
type TaskObserver interface {
	TaskProgress(ctx context.Context, update TaskUpdate)
	TaskSucceeded(ctx context.Context, take *models.Take)
	TaskFailed(ctx context.Context, take *models.Take)
}

// GenerationListener applies generation events to the take registry and
// forwards them to the observer.
type GenerationListener struct {
	takes    *Takes
	observer TaskObserver
	logger   *slog.Logger
}

func NewGenerationListener(takes *Takes, observer TaskObserver) *GenerationListener {
	return &GenerationListener{
		takes:    takes,
		observer: observer,
		logger:   log.WithModule("generation_listener"),
	}
}

func (l *GenerationListener) Register(bus eventbus.EventSubscriber) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.GenerationProgressEvent:  l.handleProgress,
		events.GenerationSucceededEvent: l.handleSucceeded,
		events.GenerationFailedEvent:    l.handleFailed,
	}

	for eventType, handler := range handlers {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register %s handler: %w", eventType, err)
		}
	}

	return nil
}

func (l *GenerationListener) handleProgress(ctx context.Context, event any) error {
	progress, ok := event.(*events.GenerationProgress)
	if !ok {
		return errors.New("invalid event type for generation.progress")
	}

	if l.observer != nil {
		l.observer.TaskProgress(ctx, TaskUpdate{
			ProjectID: progress.ProjectID,
			NodeID:    progress.NodeID,
			ShotID:    progress.ShotID,
			TakeID:    progress.TakeID,
			JobID:     progress.JobID,
			Progress:  progress.Progress,
			Step:      progress.Step,
		})
	}

	return nil
}

func (l *GenerationListener) handleSucceeded(ctx context.Context, event any) error {
	succeeded, ok := event.(*events.GenerationSucceeded)
	if !ok {
		return errors.New("invalid event type for generation.succeeded")
	}

	take, err := l.takes.CompleteTake(ctx, succeeded.ShotID, succeeded.TakeID, Completion{
		FilePath:      succeeded.FilePath,
		ThumbnailPath: succeeded.ThumbnailPath,
		FileSize:      succeeded.FileSize,
	})
	if err != nil {
		return l.ignoreSettled(ctx, succeeded.JobRef, err)
	}

	if l.observer != nil {
		l.observer.TaskSucceeded(ctx, take)
	}

	return nil
}

func (l *GenerationListener) handleFailed(ctx context.Context, event any) error {
	failed, ok := event.(*events.GenerationFailed)
	if !ok {
		return errors.New("invalid event type for generation.failed")
	}

	take, err := l.takes.FailTake(ctx, failed.ShotID, failed.TakeID, failed.Error)
	if err != nil {
		return l.ignoreSettled(ctx, failed.JobRef, err)
	}

	if l.observer != nil {
		l.observer.TaskFailed(ctx, take)
	}

	return nil
}

// ignoreSettled drops duplicate outcomes and outcomes of deleted takes.
func (l *GenerationListener) ignoreSettled(ctx context.Context, ref events.JobRef, err error) error {
	if errors.Is(err, ErrTakeFinalized) || IsNotFoundError(err) {
		l.logger.DebugContext(ctx, "Ignoring generation outcome", "job_id", ref.JobID, "take_id", ref.TakeID, "reason", err)

		return nil
	}

	return err
}
