// Package jobs dispatches generation jobs over the event bus and runs them
// in the worker.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/events"
)

var ErrInvalidJobSpec = errors.New("invalid job spec")

// JobSpec describes one generation job. The worker writes the artifact
// under ArtifactPath, a key reserved for this job only.
type JobSpec struct {
	TakeID        string
	ShotID        string
	ProjectID     string
	NodeID        string
	ArtifactPath  string
	ThumbnailPath string
	Params        map[string]any
	Quality       string
}

func (s JobSpec) validate() error {
	switch {
	case s.TakeID == "":
		return fmt.Errorf("%w: take id is required", ErrInvalidJobSpec)
	case s.ShotID == "":
		return fmt.Errorf("%w: shot id is required", ErrInvalidJobSpec)
	case s.ArtifactPath == "":
		return fmt.Errorf("%w: artifact path is required", ErrInvalidJobSpec)
	default:
		return nil
	}
}

// Dispatcher accepts generation jobs. Progress and the terminal outcome are
// reported later as generation events.
type Dispatcher interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
}

type EventBusDispatcher struct {
	bus eventbus.EventBus
}

func NewEventBusDispatcher(bus eventbus.EventBus) *EventBusDispatcher {
	return &EventBusDispatcher{bus: bus}
}

// Submit publishes a generation.requested event and returns the job id.
func (d *EventBusDispatcher) Submit(ctx context.Context, spec JobSpec) (string, error) {
	err := spec.validate()
	if err != nil {
		return "", err
	}

	jobID := d.bus.GenerateID()

	event := events.GenerationRequested{
		BaseEvent: events.NewBaseEvent(d.bus.GenerateID(), events.GenerationRequestedEvent),
		JobRef: events.JobRef{
			JobID:     jobID,
			TakeID:    spec.TakeID,
			ShotID:    spec.ShotID,
			ProjectID: spec.ProjectID,
			NodeID:    spec.NodeID,
		},
		ArtifactPath:  spec.ArtifactPath,
		ThumbnailPath: spec.ThumbnailPath,
		Params:        spec.Params,
		Quality:       spec.Quality,
	}

	err = d.bus.Publish(ctx, spec.ShotID, event)
	if err != nil {
		return "", fmt.Errorf("failed to submit job for take %s: %w", spec.TakeID, err)
	}

	return jobID, nil
}
