package jobs_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/channels/gochannel"
	"github.com/dukex/storyflow/pkg/eventbus"
	"github.com/dukex/storyflow/pkg/events"
	"github.com/dukex/storyflow/pkg/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	progress []*events.GenerationProgress
	outcomes chan any
}

func newHarness(t *testing.T, generator jobs.Generator, opts ...jobs.WorkerOption) (*jobs.EventBusDispatcher, *artifacts.MemoryStore, *recorder, *jobs.Worker) {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	store := artifacts.NewMemoryStore()
	rec := &recorder{outcomes: make(chan any, 16)}

	ctx, cancel := context.WithCancel(context.Background())

	worker := jobs.NewWorker("worker-test", bus, store, generator, opts...)
	require.NoError(t, worker.Start(ctx))

	require.NoError(t, bus.Handle(events.GenerationProgressEvent, func(_ context.Context, event any) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()

		rec.progress = append(rec.progress, event.(*events.GenerationProgress))

		return nil
	}))
	require.NoError(t, bus.Handle(events.GenerationSucceededEvent, func(_ context.Context, event any) error {
		rec.outcomes <- event

		return nil
	}))
	require.NoError(t, bus.Handle(events.GenerationFailedEvent, func(_ context.Context, event any) error {
		rec.outcomes <- event

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	t.Cleanup(func() {
		cancel()
		worker.Wait()
		_ = bus.Close()
	})

	return jobs.NewEventBusDispatcher(bus), store, rec, worker
}

func waitOutcome(t *testing.T, rec *recorder) any {
	t.Helper()

	select {
	case outcome := <-rec.outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal generation event")

		return nil
	}
}

func TestWorker_Succeeds(t *testing.T) {
	dispatcher, store, rec, _ := newHarness(t, jobs.NewPlaceholderGenerator(0))

	jobID, err := dispatcher.Submit(context.Background(), jobs.JobSpec{
		TakeID:        "T1",
		ShotID:        "S1",
		ArtifactPath:  artifacts.TakeKey("S1", "T1", "png"),
		ThumbnailPath: artifacts.ThumbnailKey("S1", "T1"),
		Params:        map[string]any{"seed": 42},
		Quality:       "draft",
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	succeeded, ok := waitOutcome(t, rec).(*events.GenerationSucceeded)
	require.True(t, ok)

	assert.Equal(t, jobID, succeeded.JobID)
	assert.Equal(t, "T1", succeeded.TakeID)
	assert.Equal(t, "shots/S1/takes/T1.png", succeeded.FilePath)
	assert.Equal(t, "shots/S1/takes/T1.thumb.jpg", succeeded.ThumbnailPath)
	assert.Equal(t, "worker-test", succeeded.WorkerID)

	media, err := store.Get(context.Background(), succeeded.FilePath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(media)), succeeded.FileSize)

	exists, err := store.Exists(context.Background(), succeeded.ThumbnailPath)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()

		return len(rec.progress) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_ReportsFailure(t *testing.T) {
	dispatcher, store, rec, _ := newHarness(t, jobs.NewPlaceholderGenerator(0))

	_, err := dispatcher.Submit(context.Background(), jobs.JobSpec{
		TakeID:       "T1",
		ShotID:       "S1",
		ArtifactPath: artifacts.TakeKey("S1", "T1", "png"),
		Params:       map[string]any{"fail": true},
		Quality:      "standard",
	})
	require.NoError(t, err)

	failed, ok := waitOutcome(t, rec).(*events.GenerationFailed)
	require.True(t, ok)
	assert.Equal(t, "T1", failed.TakeID)
	assert.Contains(t, failed.Error, "render failed")
	assert.Empty(t, store.Keys())
}

func TestWorker_ExistingArtifactFailsJob(t *testing.T) {
	dispatcher, store, rec, _ := newHarness(t, jobs.NewPlaceholderGenerator(0))

	key := artifacts.TakeKey("S1", "T1", "png")
	require.NoError(t, store.Put(context.Background(), key, []byte("first")))

	_, err := dispatcher.Submit(context.Background(), jobs.JobSpec{TakeID: "T1", ShotID: "S1", ArtifactPath: key})
	require.NoError(t, err)

	failed, ok := waitOutcome(t, rec).(*events.GenerationFailed)
	require.True(t, ok)
	assert.Contains(t, failed.Error, artifacts.ErrArtifactExists.Error())

	body, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), body)
}

type blockingGenerator struct {
	running atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, _ jobs.Request, _ jobs.ProgressFunc) (*jobs.Output, error) {
	current := g.running.Add(1)
	defer g.running.Add(-1)

	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &jobs.Output{Media: []byte("frame")}, nil
}

func TestWorker_RespectsConcurrency(t *testing.T) {
	generator := &blockingGenerator{release: make(chan struct{})}
	dispatcher, _, rec, _ := newHarness(t, generator, jobs.WithConcurrency(2))

	for _, takeID := range []string{"T1", "T2", "T3", "T4"} {
		_, err := dispatcher.Submit(context.Background(), jobs.JobSpec{
			TakeID:       takeID,
			ShotID:       "S1",
			ArtifactPath: artifacts.TakeKey("S1", takeID, "png"),
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return generator.running.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	close(generator.release)

	for range 4 {
		_, ok := waitOutcome(t, rec).(*events.GenerationSucceeded)
		require.True(t, ok)
	}

	assert.Equal(t, int32(2), generator.peak.Load())
}

func TestEventBusDispatcher_RejectsIncompleteSpec(t *testing.T) {
	dispatcher, _, _, _ := newHarness(t, jobs.NewPlaceholderGenerator(0))

	tests := map[string]jobs.JobSpec{
		"missing take":     {ShotID: "S1", ArtifactPath: "shots/S1/takes/T1.png"},
		"missing shot":     {TakeID: "T1", ArtifactPath: "shots/S1/takes/T1.png"},
		"missing artifact": {TakeID: "T1", ShotID: "S1"},
	}

	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := dispatcher.Submit(context.Background(), spec)
			assert.ErrorIs(t, err, jobs.ErrInvalidJobSpec)
		})
	}
}
