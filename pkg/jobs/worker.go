package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/events"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/metrics"
	"github.com/dukex/storyflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultConcurrency = 4

// Worker consumes generation.requested events and runs them through a
// Generator, at most concurrency jobs at a time.
type Worker struct {
	id        string
	bus       eventbus.EventBus
	store     artifacts.Store
	generator Generator
	tracer    trace.Tracer
	logger    *slog.Logger

	slots chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context
}

type WorkerOption func(*Worker)

func WithTracer(tracer trace.Tracer) WorkerOption {
	return func(w *Worker) {
		w.tracer = tracer
	}
}

func WithConcurrency(concurrency int) WorkerOption {
	return func(w *Worker) {
		if concurrency > 0 {
			w.slots = make(chan struct{}, concurrency)
		}
	}
}

func NewWorker(id string, bus eventbus.EventBus, store artifacts.Store, generator Generator, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:        id,
		bus:       bus,
		store:     store,
		generator: generator,
		tracer:    otelhelper.NoopTracer(),
		logger:    log.WithModule("worker").With("worker_id", id),
		slots:     make(chan struct{}, DefaultConcurrency),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start registers the worker on the bus. Jobs run with ctx, so cancelling
// it aborts the running generators.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx = ctx

	err := w.bus.Handle(events.GenerationRequestedEvent, w.handleRequested)
	if err != nil {
		return fmt.Errorf("failed to register generation handler: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started", "concurrency", cap(w.slots))

	return nil
}

// Wait blocks until every started job has reported its outcome.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) handleRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.GenerationRequested)
	if !ok {
		return errors.New("invalid event type for generation.requested")
	}

	runCtx := w.ctx
	if runCtx == nil {
		runCtx = context.Background()
	}

	select {
	case w.slots <- struct{}{}:
	case <-runCtx.Done():
		return runCtx.Err()
	}

	// detach from the bus delivery; keep the trace
	jobCtx := trace.ContextWithSpanContext(runCtx, trace.SpanContextFromContext(ctx))

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()

		w.run(jobCtx, requested)
	}()

	return nil
}

func (w *Worker) run(ctx context.Context, requested *events.GenerationRequested) {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.generate",
		attribute.String(otelhelper.JobIDKey, requested.JobID),
		attribute.String(otelhelper.TakeIDKey, requested.TakeID),
		attribute.String(otelhelper.ShotIDKey, requested.ShotID),
	)
	defer span.End()

	logger := w.logger.With("job_id", requested.JobID, "take_id", requested.TakeID, "shot_id", requested.ShotID)
	started := time.Now()

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	logger.InfoContext(ctx, "Generation started", "quality", requested.Quality)

	output, err := w.generator.Generate(ctx, Request{
		JobID:   requested.JobID,
		TakeID:  requested.TakeID,
		ShotID:  requested.ShotID,
		Params:  requested.Params,
		Quality: requested.Quality,
	}, func(progress int, step string) {
		w.publishProgress(ctx, requested, progress, step)
	})
	if err == nil {
		err = w.storeOutput(ctx, requested, output)
	}

	metrics.JobDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		otelhelper.SetError(span, err)
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		logger.ErrorContext(ctx, "Generation failed", "error", err)
		w.publish(ctx, requested.ShotID, events.GenerationFailed{
			BaseEvent: w.baseEvent(events.GenerationFailedEvent),
			JobRef:    requested.JobRef,
			Error:     err.Error(),
		})

		return
	}

	thumbnailPath := ""
	if len(output.Thumbnail) > 0 {
		thumbnailPath = requested.ThumbnailPath
	}

	metrics.JobsTotal.WithLabelValues("succeeded").Inc()
	logger.InfoContext(ctx, "Generation succeeded", "file_size", len(output.Media), "duration", time.Since(started))
	w.publish(ctx, requested.ShotID, events.GenerationSucceeded{
		BaseEvent:     w.baseEvent(events.GenerationSucceededEvent),
		JobRef:        requested.JobRef,
		FilePath:      requested.ArtifactPath,
		ThumbnailPath: thumbnailPath,
		FileSize:      int64(len(output.Media)),
	})
}

func (w *Worker) storeOutput(ctx context.Context, requested *events.GenerationRequested, output *Output) error {
	if output == nil || len(output.Media) == 0 {
		return errors.New("generator produced no media")
	}

	err := w.store.Put(ctx, requested.ArtifactPath, output.Media)
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", requested.ArtifactPath, err)
	}

	if len(output.Thumbnail) > 0 && requested.ThumbnailPath != "" {
		err = w.store.Put(ctx, requested.ThumbnailPath, output.Thumbnail)
		if err != nil {
			w.logger.WarnContext(ctx, "Failed to store thumbnail", "path", requested.ThumbnailPath, "error", err)

			output.Thumbnail = nil
		}
	}

	return nil
}

func (w *Worker) publishProgress(ctx context.Context, requested *events.GenerationRequested, progress int, step string) {
	w.publish(ctx, requested.ShotID, events.GenerationProgress{
		BaseEvent: w.baseEvent(events.GenerationProgressEvent),
		JobRef:    requested.JobRef,
		Progress:  min(max(progress, 0), 100),
		Step:      step,
	})
}

func (w *Worker) publish(ctx context.Context, key string, event eventbus.Event) {
	// outcomes are reported even when the job context was cancelled
	err := w.bus.Publish(context.WithoutCancel(ctx), key, event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (w *Worker) baseEvent(eventType events.EventType) events.BaseEvent {
	base := events.NewBaseEvent(w.bus.GenerateID(), eventType)
	base.WorkerID = w.id

	return base
}
