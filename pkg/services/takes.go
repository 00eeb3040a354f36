package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/events"
	"github.com/dukex/storyflow/pkg/jobs"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/metrics"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/otelhelper"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultArtifactExt = "png"

// ActiveTakeChange describes a move of a shot's active take pointer. An
// empty TakeID means the shot has no active take.
type ActiveTakeChange struct {
	ShotID         string
	ProjectID      string
	NodeID         string
	TakeID         string
	PreviousTakeID string
}

// ActiveTakeObserver is told about every active pointer change.
type ActiveTakeObserver interface {
	SetActiveTake(ctx context.Context, change ActiveTakeChange)
}

type CreateTakeRequest struct {
	ShotID           string
	ProjectID        string
	NodeID           string
	GenerationParams map[string]any
	Quality          string
}

type CreateTakeResult struct {
	TakeID string
	JobID  string
	Take   *models.Take
}

type TakeList struct {
	Takes        []*models.Take
	ActiveTakeID *string
}

type DeleteTakeResult struct {
	ActiveTakeID  *string
	ActiveChanged bool
}

// Completion is the outcome reported by a successful generation job.
type Completion struct {
	FilePath      string
	ThumbnailPath string
	FileSize      int64
}

// Takes is the take registry: per-shot ordered takes with a single active
// pointer. Mutations of one shot are serialized.
type Takes struct {
	repo       persistence.TakeRepository
	store      artifacts.Store
	dispatcher jobs.Dispatcher
	publisher  eventbus.EventPublisher
	observers  []ActiveTakeObserver
	locks      *shotLocks
	exportRoot string
	ext        string
	newID      func() string
	tracer     trace.Tracer
	logger     *slog.Logger
}

type TakesOption func(*Takes)

// WithEventPublisher publishes take.* lifecycle events on publisher.
func WithEventPublisher(publisher eventbus.EventPublisher) TakesOption {
	return func(t *Takes) {
		t.publisher = publisher
	}
}

func WithActiveTakeObserver(observer ActiveTakeObserver) TakesOption {
	return func(t *Takes) {
		t.observers = append(t.observers, observer)
	}
}

// WithExportRoot enables ExportTake below root.
func WithExportRoot(root string) TakesOption {
	return func(t *Takes) {
		t.exportRoot = root
	}
}

func WithArtifactExt(ext string) TakesOption {
	return func(t *Takes) {
		if ext != "" {
			t.ext = strings.TrimPrefix(ext, ".")
		}
	}
}

func WithTakeIDGenerator(newID func() string) TakesOption {
	return func(t *Takes) {
		t.newID = newID
	}
}

func WithTakesTracer(tracer trace.Tracer) TakesOption {
	return func(t *Takes) {
		t.tracer = tracer
	}
}

func NewTakes(repo persistence.TakeRepository, store artifacts.Store, dispatcher jobs.Dispatcher, opts ...TakesOption) *Takes {
	t := &Takes{
		repo:       repo,
		store:      store,
		dispatcher: dispatcher,
		locks:      newShotLocks(),
		ext:        DefaultArtifactExt,
		newID:      func() string { return ulid.Make().String() },
		tracer:     otelhelper.NoopTracer(),
		logger:     log.WithModule("takes"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// AddActiveTakeObserver registers observer after construction, for
// observers that themselves depend on the registry.
func (t *Takes) AddActiveTakeObserver(observer ActiveTakeObserver) {
	t.observers = append(t.observers, observer)
}

// CreateTake records a generating take under a fresh artifact path and
// dispatches its generation job. If dispatch fails the take is kept as
// failed and ErrDispatchFailed is returned.
func (t *Takes) CreateTake(ctx context.Context, req CreateTakeRequest) (*CreateTakeResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.create",
		attribute.String(otelhelper.ShotIDKey, req.ShotID),
		attribute.String(otelhelper.ProjectIDKey, req.ProjectID),
	)
	defer span.End()

	if req.ShotID == "" {
		return nil, NewValidationError("CreateTake", "validation_error", "shot ID is required", ErrShotIDRequired)
	}

	quality := req.Quality
	if quality == "" {
		quality = models.QualityStandard
	}

	if !slices.Contains([]string{models.QualityDraft, models.QualityStandard, models.QualityHigh}, quality) {
		return nil, NewValidationError("CreateTake", "invalid_quality",
			fmt.Sprintf("quality must be one of draft, standard, high; got %q", quality), ErrInvalidQuality)
	}

	params := req.GenerationParams
	if params == nil {
		params = map[string]any{}
	}

	unlock := t.locks.lock(req.ShotID)
	defer unlock()

	takeID := t.newID()
	span.SetAttributes(attribute.String(otelhelper.TakeIDKey, takeID))

	sequence, err := t.repo.NextSequence(ctx, req.ShotID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to allocate take sequence: %w", err)
	}

	take := &models.Take{
		ID:               takeID,
		ShotID:           req.ShotID,
		ProjectID:        req.ProjectID,
		NodeID:           req.NodeID,
		Sequence:         sequence,
		FilePath:         artifacts.TakeKey(req.ShotID, takeID, t.ext),
		ThumbnailPath:    artifacts.ThumbnailKey(req.ShotID, takeID),
		Status:           models.TakeStatusGenerating,
		Created:          time.Now().UTC(),
		GenerationParams: params,
		Resources:        models.Resources{Quality: quality},
	}

	exists, err := t.store.Exists(ctx, take.FilePath)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to check artifact path: %w", err)
	}

	if exists {
		err = fmt.Errorf("%w: %s", artifacts.ErrArtifactExists, take.FilePath)
		otelhelper.SetError(span, err)

		return nil, newConflictError("CreateTake", "artifact path already in use", err)
	}

	err = t.repo.Save(ctx, take)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save take: %w", err)
	}

	metrics.TakesTotal.WithLabelValues("created").Inc()

	jobID, err := t.dispatcher.Submit(ctx, jobs.JobSpec{
		TakeID:        take.ID,
		ShotID:        take.ShotID,
		ProjectID:     take.ProjectID,
		NodeID:        take.NodeID,
		ArtifactPath:  take.FilePath,
		ThumbnailPath: take.ThumbnailPath,
		Params:        take.GenerationParams,
		Quality:       quality,
	})
	if err != nil {
		otelhelper.SetError(span, err)
		t.logger.ErrorContext(ctx, "Failed to dispatch generation job", "shot_id", take.ShotID, "take_id", take.ID, "error", err)

		t.markFailed(ctx, take, err.Error())

		return &CreateTakeResult{TakeID: take.ID, Take: take}, &ServiceError{
			Op:      "CreateTake",
			Code:    "dispatch_failed",
			Message: err.Error(),
			Err:     ErrDispatchFailed,
		}
	}

	take.JobID = jobID

	err = t.repo.Save(ctx, take)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save take job: %w", err)
	}

	t.publish(ctx, take.ShotID, events.TakeCreated{
		BaseEvent: t.baseEvent(events.TakeCreatedEvent),
		Take:      *take,
	})

	t.logger.InfoContext(ctx, "Take created",
		"shot_id", take.ShotID,
		"take_id", take.ID,
		"job_id", jobID,
		"sequence", take.Sequence,
		"quality", quality,
	)

	return &CreateTakeResult{TakeID: take.ID, JobID: jobID, Take: take}, nil
}

func (t *Takes) markFailed(ctx context.Context, take *models.Take, reason string) {
	now := time.Now().UTC()
	take.Status = models.TakeStatusFailed
	take.Error = reason
	take.CompletedAt = &now

	err := t.repo.Save(ctx, take)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to record failed take", "shot_id", take.ShotID, "take_id", take.ID, "error", err)

		return
	}

	metrics.TakesTotal.WithLabelValues("failed").Inc()

	t.publish(ctx, take.ShotID, events.TakeFailed{
		BaseEvent: t.baseEvent(events.TakeFailedEvent),
		Take:      *take,
	})
}

// CompleteTake moves a generating take to complete. A take transitions only
// once; later outcomes get ErrTakeFinalized. When the take was deleted while
// its job ran, the orphaned artifacts are removed.
func (t *Takes) CompleteTake(ctx context.Context, shotID, takeID string, completion Completion) (*models.Take, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.complete",
		attribute.String(otelhelper.ShotIDKey, shotID),
		attribute.String(otelhelper.TakeIDKey, takeID),
	)
	defer span.End()

	unlock := t.locks.lock(shotID)
	defer unlock()

	take, err := t.repo.Get(ctx, shotID, takeID)
	if persistence.IsTakeNotFound(err) {
		t.removeOrphan(ctx, shotID, takeID, completion.FilePath, completion.ThumbnailPath)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if take.IsFinal() {
		return take, newConflictError("CompleteTake", fmt.Sprintf("take %s is already %s", takeID, take.Status), ErrTakeFinalized)
	}

	if completion.FilePath != "" && completion.FilePath != take.FilePath {
		t.logger.WarnContext(ctx, "Job reported an unexpected artifact path",
			"take_id", takeID, "expected", take.FilePath, "reported", completion.FilePath)
	}

	now := time.Now().UTC()
	size := completion.FileSize
	take.Status = models.TakeStatusComplete
	take.FileSize = &size
	take.ThumbnailPath = t.thumbnailPath(ctx, take, completion)
	take.CompletedAt = &now

	err = t.repo.Save(ctx, take)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save completed take: %w", err)
	}

	metrics.TakesTotal.WithLabelValues("completed").Inc()

	t.publish(ctx, shotID, events.TakeCompleted{
		BaseEvent: t.baseEvent(events.TakeCompletedEvent),
		Take:      *take,
	})

	t.logger.InfoContext(ctx, "Take completed", "shot_id", shotID, "take_id", takeID, "file_size", size)

	return take, nil
}

// thumbnailPath returns the reported thumbnail. A job that reports none keeps
// the reserved path when a thumbnail was stored there.
func (t *Takes) thumbnailPath(ctx context.Context, take *models.Take, completion Completion) string {
	if completion.ThumbnailPath != "" || take.ThumbnailPath == "" {
		return completion.ThumbnailPath
	}

	exists, err := t.store.Exists(ctx, take.ThumbnailPath)
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to check thumbnail", "take_id", take.ID, "path", take.ThumbnailPath, "error", err)

		return take.ThumbnailPath
	}

	if !exists {
		return ""
	}

	return take.ThumbnailPath
}

// FailTake moves a generating take to failed with reason.
func (t *Takes) FailTake(ctx context.Context, shotID, takeID, reason string) (*models.Take, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.fail",
		attribute.String(otelhelper.ShotIDKey, shotID),
		attribute.String(otelhelper.TakeIDKey, takeID),
	)
	defer span.End()

	unlock := t.locks.lock(shotID)
	defer unlock()

	take, err := t.repo.Get(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if take.IsFinal() {
		return take, newConflictError("FailTake", fmt.Sprintf("take %s is already %s", takeID, take.Status), ErrTakeFinalized)
	}

	t.markFailed(ctx, take, reason)

	t.logger.InfoContext(ctx, "Take failed", "shot_id", shotID, "take_id", takeID, "reason", reason)

	return take, nil
}

// ListTakes returns the takes of a shot in creation order and its active take.
func (t *Takes) ListTakes(ctx context.Context, shotID string) (*TakeList, error) {
	if shotID == "" {
		return nil, NewValidationError("ListTakes", "validation_error", "shot ID is required", ErrShotIDRequired)
	}

	takes, err := t.repo.List(ctx, shotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list takes: %w", err)
	}

	active, err := t.repo.ActiveTake(ctx, shotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active take: %w", err)
	}

	return &TakeList{Takes: takes, ActiveTakeID: optional(active)}, nil
}

func (t *Takes) GetTake(ctx context.Context, shotID, takeID string) (*models.Take, error) {
	return t.repo.Get(ctx, shotID, takeID)
}

// SetActiveTake points the shot at a complete take.
func (t *Takes) SetActiveTake(ctx context.Context, shotID, takeID string) (*models.Take, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.set_active",
		attribute.String(otelhelper.ShotIDKey, shotID),
		attribute.String(otelhelper.TakeIDKey, takeID),
	)
	defer span.End()

	if takeID == "" {
		return nil, NewValidationError("SetActiveTake", "validation_error", "take ID is required", ErrTakeIDRequired)
	}

	unlock := t.locks.lock(shotID)
	defer unlock()

	take, err := t.repo.Get(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !take.IsComplete() {
		return nil, newConflictError("SetActiveTake", fmt.Sprintf("take %s is %s", takeID, take.Status), ErrTakeNotComplete)
	}

	previous, err := t.repo.ActiveTake(ctx, shotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active take: %w", err)
	}

	if previous == takeID {
		return take, nil
	}

	err = t.repo.SetActiveTake(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to set active take: %w", err)
	}

	t.activeChanged(ctx, ActiveTakeChange{
		ShotID:         shotID,
		ProjectID:      take.ProjectID,
		NodeID:         take.NodeID,
		TakeID:         takeID,
		PreviousTakeID: previous,
	})

	return take, nil
}

// DeleteTake removes a take and its artifacts. Deleting the active take
// moves the pointer to the remaining complete take with the highest
// sequence, or clears it.
func (t *Takes) DeleteTake(ctx context.Context, shotID, takeID string) (*DeleteTakeResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.delete",
		attribute.String(otelhelper.ShotIDKey, shotID),
		attribute.String(otelhelper.TakeIDKey, takeID),
	)
	defer span.End()

	unlock := t.locks.lock(shotID)
	defer unlock()

	take, err := t.repo.Get(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	active, err := t.repo.ActiveTake(ctx, shotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active take: %w", err)
	}

	err = t.repo.Delete(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to delete take: %w", err)
	}

	t.deleteArtifacts(ctx, take.FilePath, take.ThumbnailPath)
	metrics.TakesTotal.WithLabelValues("deleted").Inc()

	t.publish(ctx, shotID, events.TakeDeleted{
		BaseEvent: t.baseEvent(events.TakeDeletedEvent),
		ShotID:    shotID,
		TakeID:    takeID,
		ProjectID: take.ProjectID,
	})

	result := &DeleteTakeResult{ActiveTakeID: optional(active)}
	if active != takeID {
		return result, nil
	}

	replacement, err := t.latestComplete(ctx, shotID)
	if err != nil {
		return nil, err
	}

	err = t.repo.SetActiveTake(ctx, shotID, replacement)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to reassign active take: %w", err)
	}

	t.activeChanged(ctx, ActiveTakeChange{
		ShotID:         shotID,
		ProjectID:      take.ProjectID,
		NodeID:         take.NodeID,
		TakeID:         replacement,
		PreviousTakeID: takeID,
	})

	t.logger.InfoContext(ctx, "Active take reassigned", "shot_id", shotID, "deleted_take_id", takeID, "active_take_id", replacement)

	return &DeleteTakeResult{ActiveTakeID: optional(replacement), ActiveChanged: true}, nil
}

// latestComplete returns the complete take with the highest sequence, or "".
func (t *Takes) latestComplete(ctx context.Context, shotID string) (string, error) {
	takes, err := t.repo.List(ctx, shotID)
	if err != nil {
		return "", fmt.Errorf("failed to list remaining takes: %w", err)
	}

	var latest *models.Take

	for _, take := range takes {
		if take.IsComplete() && (latest == nil || take.Sequence > latest.Sequence) {
			latest = take
		}
	}

	if latest == nil {
		return "", nil
	}

	return latest.ID, nil
}

// OpenArtifact returns a complete take and the bytes of its artifact.
func (t *Takes) OpenArtifact(ctx context.Context, shotID, takeID string) (*models.Take, []byte, error) {
	take, err := t.repo.Get(ctx, shotID, takeID)
	if err != nil {
		return nil, nil, err
	}

	if !take.IsComplete() {
		return nil, nil, newConflictError("OpenArtifact", fmt.Sprintf("take %s is %s", takeID, take.Status), ErrTakeNotComplete)
	}

	body, err := t.store.Get(ctx, take.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	return take, body, nil
}

func (t *Takes) deleteArtifacts(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}

		err := t.store.Delete(ctx, key)
		if err != nil && !errors.Is(err, artifacts.ErrArtifactNotFound) {
			t.logger.WarnContext(ctx, "Failed to delete artifact", "key", key, "error", err)
		}
	}
}

// removeOrphan deletes artifacts a job wrote for a take that no longer
// exists. Only keys under the take's own path are touched.
func (t *Takes) removeOrphan(ctx context.Context, shotID, takeID string, keys ...string) {
	prefix := path.Join("shots", shotID, "takes", takeID) + "."

	owned := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			owned = append(owned, key)
		}
	}

	if len(owned) == 0 {
		return
	}

	t.logger.InfoContext(ctx, "Removing artifacts of deleted take", "shot_id", shotID, "take_id", takeID, "keys", owned)
	t.deleteArtifacts(ctx, owned...)
}

func (t *Takes) activeChanged(ctx context.Context, change ActiveTakeChange) {
	t.publish(ctx, change.ShotID, events.ActiveTakeChanged{
		BaseEvent:      t.baseEvent(events.ActiveTakeChangedEvent),
		ShotID:         change.ShotID,
		ProjectID:      change.ProjectID,
		NodeID:         change.NodeID,
		TakeID:         change.TakeID,
		PreviousTakeID: change.PreviousTakeID,
	})

	for _, observer := range t.observers {
		observer.SetActiveTake(ctx, change)
	}
}

func (t *Takes) publish(ctx context.Context, key string, event eventbus.Event) {
	if t.publisher == nil {
		return
	}

	err := t.publisher.Publish(ctx, key, event)
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to publish take event", "event_type", event.GetType(), "error", err)
	}
}

func (t *Takes) baseEvent(eventType events.EventType) events.BaseEvent {
	return events.NewBaseEvent(ulid.Make().String(), eventType)
}

func optional(id string) *string {
	if id == "" {
		return nil
	}

	return &id
}
