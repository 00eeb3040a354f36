// Package client keeps a local canvas in sync with a project room.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/gorilla/websocket"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

var ErrSessionClosed = errors.New("session closed")

type Config struct {
	ServerURL string
	ProjectID string
	UserID    string
	UserName  string
	Color     string

	// Reconnect backoff. Zero values use the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Handlers surface session events. They run on the session loop and must not
// call back into the session synchronously.
type Handlers struct {
	OnStatus       func(Status)
	OnSync         func(graph models.Graph, version uint64)
	OnRemoteChange func(op canvas.Op, version uint64)
	OnPresence     func(sessions []models.CollaborationSession)
	OnTaskProgress func(protocol.TaskProgress)
	OnTaskSuccess  func(protocol.TaskSuccess)
	OnTaskFailed   func(protocol.TaskFailed)
	OnError        func(protocol.Error)
}

type Option func(*Session)

func WithHandlers(handlers Handlers) Option {
	return func(s *Session) {
		s.handlers = handlers
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(s *Session) {
		s.dialer = dialer
	}
}

func WithEngine(engine *canvas.Engine) Option {
	return func(s *Session) {
		s.engine = engine
	}
}

// Session is a client's view of one project. A single loop goroutine owns
// the engine and the connection state; every public method runs on it.
type Session struct {
	config   Config
	target   string
	dialer   *websocket.Dialer
	handlers Handlers
	logger   *slog.Logger

	actions  chan func()
	loopDone chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Owned by the loop.
	engine  *canvas.Engine
	conn    *connection
	status  Status
	version uint64
	synced  bool
	// pending counts sync requests not answered yet; only the answer to the
	// last one is applied. unconfirmed is set when an edit went out after the
	// last request, so that answer does not contain it.
	pending     int
	unconfirmed bool
}

func New(config Config, opts ...Option) (*Session, error) {
	if config.ProjectID == "" || config.UserID == "" {
		return nil, errors.New("project id and user id are required")
	}

	target, err := SyncURL(config.ServerURL, config.ProjectID, config.UserID, config.UserName, config.Color)
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:   config,
		target:   target,
		dialer:   websocket.DefaultDialer,
		logger:   log.WithModule("client").With("project_id", config.ProjectID),
		actions:  make(chan func()),
		loopDone: make(chan struct{}),
		engine:   canvas.NewEngine(),
		status:   StatusConnecting,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start runs the session loop and connects in the background.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	go func() {
		defer s.wg.Done()
		s.connectLoop(ctx)
	}()
}

// Close disconnects and stops the loop.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)

	for {
		select {
		case fn := <-s.actions:
			fn()
		case <-ctx.Done():
			if s.conn != nil {
				s.conn.close()
				s.conn = nil
			}

			s.setStatus(StatusClosed)

			return
		}
	}
}

// post queues fn on the loop without waiting for it.
func (s *Session) post(fn func()) error {
	select {
	case s.actions <- fn:
		return nil
	case <-s.loopDone:
		return ErrSessionClosed
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})

	err := s.post(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	<-finished

	return nil
}

func (s *Session) connectLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	if s.config.InitialBackoff > 0 {
		policy.InitialInterval = s.config.InitialBackoff
	}

	if s.config.MaxBackoff > 0 {
		policy.MaxInterval = s.config.MaxBackoff
	}

	retry := backoff.WithContext(policy, ctx)
	retry.Reset()

	for {
		c, err := dial(ctx, s.dialer, s.target)
		if err == nil {
			retry.Reset()
			s.serve(ctx, c)
		} else {
			s.logger.DebugContext(ctx, "Connection attempt failed", "error", err)
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve runs one connection until it drops.
func (s *Session) serve(ctx context.Context, c *connection) {
	if s.post(func() { s.attach(c) }) != nil {
		c.close()

		return
	}

	go c.writeLoop()

	err := c.readLoop(func(envelope protocol.Envelope) {
		_ = s.post(func() { s.receive(c, envelope) })
	})
	if ctx.Err() == nil {
		s.logger.InfoContext(ctx, "Connection lost", "error", err)
	}

	_ = s.post(func() { s.detach(c) })
}

func (s *Session) setStatus(status Status) {
	if s.status == status {
		return
	}

	s.status = status

	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
}

func (s *Session) attach(c *connection) {
	if s.conn != nil {
		s.conn.close()
	}

	s.conn = c
	s.pending = 0
	s.setStatus(StatusConnected)
	s.resync()
}

func (s *Session) detach(c *connection) {
	if s.conn != c {
		return
	}

	s.conn = nil
	s.synced = false
	s.setStatus(StatusReconnecting)
}

// send hands envelope to the live connection and reports whether it was
// queued. Without a connection the message is dropped; the next full sync
// replaces the local state anyway.
func (s *Session) send(envelope protocol.Envelope) bool {
	if s.conn == nil {
		s.logger.Warn("Dropping message while disconnected", "type", envelope.Type, "status", s.status)

		return false
	}

	if !s.conn.enqueue(envelope) {
		s.logger.Warn("Outbound queue full, reconnecting", "type", envelope.Type)
		s.conn.close()

		return false
	}

	return true
}

func (s *Session) receive(c *connection, envelope protocol.Envelope) {
	if s.conn != c {
		return
	}

	switch envelope.Type {
	case protocol.ServerFullSync:
		if s.pending > 0 {
			s.pending--
		}

		var msg protocol.FullSync
		if err := envelope.Decode(&msg); err != nil {
			s.logger.Warn("Invalid full sync, resyncing", "error", err)
			s.resync()

			return
		}

		if s.pending > 0 {
			s.logger.Debug("Full sync superseded by a newer request", "version", envelope.Version)

			return
		}

		if s.unconfirmed {
			s.logger.Debug("Full sync predates local edits, requesting another", "version", envelope.Version)
			s.resync()

			return
		}

		s.engine.Load(msg.Graph)
		s.version = envelope.Version
		s.synced = true

		if s.handlers.OnSync != nil {
			s.handlers.OnSync(s.engine.Graph(), s.version)
		}
	case protocol.ServerPresence:
		var msg protocol.Presence
		if err := envelope.Decode(&msg); err == nil && s.handlers.OnPresence != nil {
			s.handlers.OnPresence(msg.Sessions)
		}
	case protocol.ServerTaskProgress:
		var msg protocol.TaskProgress
		if err := envelope.Decode(&msg); err == nil && s.handlers.OnTaskProgress != nil {
			s.handlers.OnTaskProgress(msg)
		}
	case protocol.ServerTaskSuccess:
		var msg protocol.TaskSuccess
		if err := envelope.Decode(&msg); err == nil && s.handlers.OnTaskSuccess != nil {
			s.handlers.OnTaskSuccess(msg)
		}
	case protocol.ServerTaskFailed:
		var msg protocol.TaskFailed
		if err := envelope.Decode(&msg); err == nil && s.handlers.OnTaskFailed != nil {
			s.handlers.OnTaskFailed(msg)
		}
	case protocol.ServerError:
		var msg protocol.Error
		if err := envelope.Decode(&msg); err == nil && s.handlers.OnError != nil {
			s.handlers.OnError(msg)
		}

		s.resync()
	default:
		s.applyRemote(envelope)
	}
}

// applyRemote applies a canonical broadcast unless it is older than the last
// applied version or already reflected locally.
func (s *Session) applyRemote(envelope protocol.Envelope) {
	if envelope.Version != 0 && envelope.Version <= s.version {
		s.logger.Debug("Discarding stale broadcast", "type", envelope.Type, "version", envelope.Version, "applied", s.version)

		return
	}

	current := s.engine.Graph()

	op, ok, err := decodeBroadcast(current, envelope)
	if err != nil {
		s.logger.Warn("Cannot apply broadcast, resyncing", "type", envelope.Type, "error", err)
		s.resync()

		return
	}

	if !ok {
		return
	}

	if envelope.Version != 0 {
		s.version = envelope.Version
	}

	if canvas.Equal(canvas.Apply(current, op), current) {
		return
	}

	s.engine.ApplyRemote(op)

	if s.handlers.OnRemoteChange != nil {
		s.handlers.OnRemoteChange(op, s.version)
	}
}

// resync asks for a full sync. The session counts as unsynced until the
// answer is applied.
func (s *Session) resync() {
	s.synced = false
	s.unconfirmed = false

	if s.send(protocol.MustEnvelope(protocol.ClientSyncRequest, protocol.SyncRequest{})) {
		s.pending++
	}
}

// publish sends the messages that replay the change from before to the
// present graph.
func (s *Session) publish(before models.Graph) error {
	after := s.engine.Graph()
	graph := before

	for _, op := range canvas.Diff(before, after) {
		envelope, err := encodeOp(graph, op)
		if err != nil {
			return err
		}

		if s.send(envelope) && !s.synced {
			s.unconfirmed = true
		}

		graph = canvas.Apply(graph, op)
	}

	return nil
}

// Do applies mutate to the local engine and sends the resulting changes.
func (s *Session) Do(mutate func(engine *canvas.Engine)) error {
	var err error

	callErr := s.call(func() {
		before := s.engine.Graph()
		mutate(s.engine)
		err = s.publish(before)
	})
	if callErr != nil {
		return callErr
	}

	return err
}

func (s *Session) Undo() (bool, error) {
	return s.step((*canvas.Engine).Undo)
}

func (s *Session) Redo() (bool, error) {
	return s.step((*canvas.Engine).Redo)
}

func (s *Session) step(move func(*canvas.Engine) bool) (bool, error) {
	var (
		moved bool
		err   error
	)

	callErr := s.call(func() {
		before := s.engine.Graph()

		moved = move(s.engine)
		if moved {
			err = s.publish(before)
		}
	})
	if callErr != nil {
		return false, callErr
	}

	return moved, err
}

// SetCursor shares the pointer position with the other sessions.
func (s *Session) SetCursor(x, y float64) error {
	return s.call(func() {
		s.send(protocol.MustEnvelope(protocol.ClientCursor, protocol.Cursor{X: x, Y: y}))
	})
}

// Resync requests a fresh full sync. Synced reports false until it arrives,
// which makes it a barrier for the changes sent before it.
func (s *Session) Resync() error {
	return s.call(s.resync)
}

// StartGeneration asks the server to generate a new take for a shot node.
func (s *Session) StartGeneration(nodeID string, params map[string]any, quality string) error {
	if nodeID == "" {
		return errors.New("node id is required")
	}

	return s.call(func() {
		s.send(protocol.MustEnvelope(protocol.ClientStartGeneration, protocol.StartGeneration{
			NodeID:  nodeID,
			Params:  params,
			Quality: quality,
		}))
	})
}

// Graph returns a copy of the local graph.
func (s *Session) Graph() (models.Graph, error) {
	var graph models.Graph

	err := s.call(func() {
		graph = s.engine.Graph()
	})

	return graph, err
}

func (s *Session) Status() Status {
	status := StatusClosed

	_ = s.call(func() {
		status = s.status
	})

	return status
}

// Version returns the last project version applied locally.
func (s *Session) Version() uint64 {
	var version uint64

	_ = s.call(func() {
		version = s.version
	})

	return version
}

// Synced reports whether a full sync arrived on the current connection.
func (s *Session) Synced() bool {
	var synced bool

	_ = s.call(func() {
		synced = s.synced
	})

	return synced
}
