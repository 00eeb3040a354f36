// Package transport serves the project sync channel over websockets.
package transport

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes every connection served.
type Config struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins lists the accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   50 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 1 << 20,
	}
}

type Server struct {
	hub      *hub.Hub
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type Option func(*Server)

func WithConfig(config Config) Option {
	return func(s *Server) {
		s.config = config
	}
}

func NewServer(h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		hub:    h,
		config: DefaultConfig(),
		logger: log.WithModule("transport"),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// Handler routes the sync endpoint and the prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{projectID}/sync", s.ServeSync)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}

	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeSync upgrades the request and keeps the session joined to the project
// room until the connection ends.
func (s *Server) ServeSync(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	query := r.URL.Query()

	session := models.CollaborationSession{
		SessionID: ulid.Make().String(),
		UserID:    query.Get("user_id"),
		UserName:  query.Get("user_name"),
		Color:     query.Get("color"),
	}

	if session.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)

		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DebugContext(r.Context(), "Websocket upgrade failed", "error", err)

		return
	}

	logger := s.logger.With("project_id", projectID, "session_id", session.SessionID)
	c := newConn(ws, s.config, logger)
	ctx := r.Context()

	membership, err := s.hub.Join(ctx, projectID, session, c)
	if err != nil {
		logger.WarnContext(ctx, "Failed to join project", "error", err)
		s.reject(ws, err)

		return
	}

	go c.writePump()

	c.readPump(ctx, membership)

	membership.Leave(ctx)
	c.Close()
}

// reject reports a failed join on a connection no pump is serving yet.
func (s *Server) reject(ws *websocket.Conn, cause error) {
	defer ws.Close()

	frame, err := protocol.Marshal(protocol.MustEnvelope(protocol.ServerError, protocol.Error{
		Code:    protocol.CodeInvalidMessage,
		Message: cause.Error(),
	}))
	if err != nil {
		return
	}

	deadline := time.Now().Add(s.config.WriteTimeout)
	_ = ws.SetWriteDeadline(deadline)

	if ws.WriteMessage(websocket.TextMessage, frame) == nil {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), deadline)
	}
}
