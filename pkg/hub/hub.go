// Package hub keeps the canonical graph of every open project and relays
// changes between the sessions connected to it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/metrics"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/otelhelper"
	"github.com/dukex/storyflow/pkg/persistence"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/dukex/storyflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
)

const DefaultCheckpointSchedule = "@every 30s"

var (
	ErrHubClosed      = errors.New("hub closed")
	ErrInvalidSession = errors.New("invalid session")
)

// Peer is the outbound side of one connected session. Deliver must not
// block; a peer that cannot keep up drops its connection.
type Peer interface {
	Deliver(envelope protocol.Envelope)
	Close()
}

// GenerationStarter creates a take for a shot node and dispatches its job.
type GenerationStarter interface {
	CreateTake(ctx context.Context, req services.CreateTakeRequest) (*services.CreateTakeResult, error)
}

type Hub struct {
	graphs   persistence.GraphRepository
	starter  GenerationStarter
	schedule string
	tracer   trace.Tracer
	logger   *slog.Logger
	validate *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type Option func(*Hub)

func WithGenerationStarter(starter GenerationStarter) Option {
	return func(h *Hub) {
		h.starter = starter
	}
}

// WithCheckpointSchedule sets the cron spec of the checkpoint job. An empty
// spec disables periodic checkpoints.
func WithCheckpointSchedule(spec string) Option {
	return func(h *Hub) {
		h.schedule = spec
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(h *Hub) {
		h.tracer = tracer
	}
}

func New(graphs persistence.GraphRepository, opts ...Option) *Hub {
	h := &Hub{
		graphs:   graphs,
		schedule: DefaultCheckpointSchedule,
		tracer:   otelhelper.NoopTracer(),
		logger:   log.WithModule("hub"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		rooms:    make(map[string]*room),
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Start schedules the periodic checkpoint.
func (h *Hub) Start(ctx context.Context) error {
	if h.schedule == "" {
		return nil
	}

	h.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := h.cron.AddFunc(h.schedule, func() {
		h.Checkpoint(h.ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", h.schedule, err)
	}

	h.cron.Start()
	h.logger.InfoContext(ctx, "Hub started", "checkpoint_schedule", h.schedule)

	return nil
}

// Close stops the checkpoint job, saves every room and disconnects all
// sessions.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return nil
	}

	h.closed = true
	h.mu.Unlock()

	if h.cron != nil {
		<-h.cron.Stop().Done()
	}

	h.wg.Wait()

	errs := []error{}

	for _, r := range h.snapshotRooms() {
		errs = append(errs, h.checkpointRoom(ctx, r))

		_ = r.call(r.closeNow)
	}

	h.mu.Lock()
	h.rooms = map[string]*room{}
	h.mu.Unlock()

	h.cancel()

	return errors.Join(errs...)
}

// room returns the running room of projectID, starting it when needed.
func (h *Hub) room(projectID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	r, ok := h.rooms[projectID]
	if !ok {
		r = newRoom(h, projectID)
		h.rooms[projectID] = r

		go r.run(h.ctx)
	}

	return r, nil
}

// forget drops r from the room table if it is still registered.
func (h *Hub) forget(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[r.projectID] == r {
		delete(h.rooms, r.projectID)
	}
}

func (h *Hub) snapshotRooms() []*room {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}

	return rooms
}

// inRoom runs fn on the room of projectID, retrying once the room it found
// was evicted in between.
func (h *Hub) inRoom(projectID string, fn func(r *room)) error {
	for {
		r, err := h.room(projectID)
		if err != nil {
			return err
		}

		err = r.call(func() { fn(r) })
		if errors.Is(err, errRoomClosed) {
			continue
		}

		return err
	}
}

// Membership is one session's seat in a project room.
type Membership struct {
	hub     *Hub
	room    *room
	session models.CollaborationSession
}

// Join adds a session to the project room and announces it to the members.
func (h *Hub) Join(ctx context.Context, projectID string, session models.CollaborationSession, peer Peer) (*Membership, error) {
	err := h.validate.Struct(session)
	if err != nil || session.SessionID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	var membership *Membership

	err = h.inRoom(projectID, func(r *room) {
		r.join(session, peer)
		membership = &Membership{hub: h, room: r, session: r.members[session.SessionID].session}
	})
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "Session joined", "project_id", projectID, "session_id", session.SessionID, "user_id", session.UserID)

	return membership, nil
}

func (m *Membership) Session() models.CollaborationSession {
	return m.session
}

func (m *Membership) ProjectID() string {
	return m.room.projectID
}

// Handle queues a client message for the room.
func (m *Membership) Handle(ctx context.Context, envelope protocol.Envelope) error {
	sessionID := m.session.SessionID

	err := m.room.do(func() {
		m.room.handle(ctx, sessionID, envelope)
	})
	if errors.Is(err, errRoomClosed) {
		return ErrHubClosed
	}

	return err
}

// Leave removes the session from its room.
func (m *Membership) Leave(ctx context.Context) {
	sessionID := m.session.SessionID

	_ = m.room.call(func() {
		m.room.leave(sessionID)
	})

	m.hub.logger.InfoContext(ctx, "Session left", "project_id", m.room.projectID, "session_id", sessionID)
}

// Snapshot returns the canonical state of a project.
func (h *Hub) Snapshot(ctx context.Context, projectID string) (*models.ProjectState, error) {
	var state models.ProjectState

	err := h.inRoom(projectID, func(r *room) {
		state = r.state
		state.Graph = canvas.Clone(r.state.Graph)
	})
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (h *Hub) startGeneration(ctx context.Context, r *room, sessionID, ref string, req services.CreateTakeRequest) {
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		result, err := h.starter.CreateTake(ctx, req)

		_ = r.do(func() {
			if result != nil && result.TakeID != "" {
				r.generationStarted(req.NodeID, result.TakeID)
			}

			if err != nil {
				r.generationRejected(sessionID, ref, req.NodeID, err)
			}
		})

		if err != nil {
			h.logger.WarnContext(ctx, "Failed to start generation", "project_id", req.ProjectID, "node_id", req.NodeID, "error", err)

			return
		}

		h.logger.InfoContext(ctx, "Generation started",
			"project_id", req.ProjectID,
			"node_id", req.NodeID,
			"take_id", result.TakeID,
			"job_id", result.JobID,
		)
	}()
}

// projectRoom runs fn on the room of projectID for events produced outside
// any session. Events without a project are dropped.
func (h *Hub) projectRoom(ctx context.Context, projectID string, fn func(r *room)) {
	if projectID == "" {
		return
	}

	err := h.inRoom(projectID, fn)
	if err != nil && !errors.Is(err, ErrHubClosed) {
		h.logger.WarnContext(ctx, "Failed to apply event to project", "project_id", projectID, "error", err)
	}
}

// TaskProgress relays a running generation to the project members.
func (h *Hub) TaskProgress(ctx context.Context, update services.TaskUpdate) {
	h.projectRoom(ctx, update.ProjectID, func(r *room) {
		r.taskProgress(update)
	})
}

// TaskSucceeded relays a completed take and marks its shot node complete.
func (h *Hub) TaskSucceeded(ctx context.Context, take *models.Take) {
	h.projectRoom(ctx, take.ProjectID, func(r *room) {
		r.taskSucceeded(take)
	})
}

// TaskFailed relays a failed take and marks its shot node failed.
func (h *Hub) TaskFailed(ctx context.Context, take *models.Take) {
	h.projectRoom(ctx, take.ProjectID, func(r *room) {
		r.taskFailed(take)
	})
}

// SetActiveTake mirrors an active take change into the shot node.
func (h *Hub) SetActiveTake(ctx context.Context, change services.ActiveTakeChange) {
	h.projectRoom(ctx, change.ProjectID, func(r *room) {
		r.activeTakeChanged(change)
	})
}

// Checkpoint saves every room with unsaved changes and stops the idle ones.
func (h *Hub) Checkpoint(ctx context.Context) {
	for _, r := range h.snapshotRooms() {
		err := h.checkpointRoom(ctx, r)
		if err != nil {
			continue
		}

		h.evictIfIdle(r)
	}
}

func (h *Hub) checkpointRoom(ctx context.Context, r *room) error {
	var (
		state *models.ProjectState
		dirty bool
	)

	err := r.call(func() {
		state, dirty = r.snapshot()
	})
	if err != nil || !dirty {
		return nil
	}

	err = h.graphs.Save(ctx, state)
	if err != nil {
		metrics.HubCheckpointsTotal.WithLabelValues("error").Inc()
		h.logger.ErrorContext(ctx, "Failed to checkpoint project", "project_id", r.projectID, "error", err)

		return fmt.Errorf("failed to checkpoint project %s: %w", r.projectID, err)
	}

	metrics.HubCheckpointsTotal.WithLabelValues("ok").Inc()
	h.logger.DebugContext(ctx, "Project checkpointed", "project_id", r.projectID, "version", state.Version)

	_ = r.call(func() {
		r.saved(state.Version)
	})

	return nil
}

func (h *Hub) evictIfIdle(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[r.projectID] != r {
		return
	}

	var evicted bool

	err := r.call(func() {
		evicted = r.closeIfIdle()
	})
	if err == nil && evicted {
		delete(h.rooms, r.projectID)
		h.logger.Debug("Idle project evicted", "project_id", r.projectID)
	}
}

// Rooms returns the number of loaded project rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.rooms)
}
