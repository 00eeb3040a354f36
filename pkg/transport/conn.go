package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/metrics"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/gorilla/websocket"
)

// conn bridges one websocket connection to a hub membership. It implements
// hub.Peer.
type conn struct {
	ws     *websocket.Conn
	config Config
	logger *slog.Logger

	send      chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, config Config, logger *slog.Logger) *conn {
	return &conn{
		ws:     ws,
		config: config,
		logger: logger,
		send:   make(chan protocol.Envelope, config.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Deliver queues envelope for the write pump. A full queue drops the
// connection; the client recovers with a reconnect and a full sync.
func (c *conn) Deliver(envelope protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- envelope:
	default:
		metrics.TransportDroppedTotal.Inc()
		c.logger.Warn("Dropping slow connection", "queued", len(c.send))
		c.Close()
	}
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)

	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case envelope := <-c.send:
			frame, err := protocol.Marshal(envelope)
			if err != nil {
				c.logger.Error("Failed to encode message", "type", envelope.Type, "error", err)

				continue
			}

			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))

			err = c.ws.WriteMessage(websocket.TextMessage, frame)
			if err != nil {
				c.logger.Debug("Write failed", "error", err)

				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))

			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteTimeout),
			)

			return
		}
	}
}

// readPump feeds client frames to the membership until the connection fails
// or is closed.
func (c *conn) readPump(ctx context.Context, membership *hub.Membership) {
	c.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				c.logger.DebugContext(ctx, "Connection closed unexpectedly", "error", err)
			}

			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))

		envelope, err := protocol.ParseClientFrame(frame)
		if err != nil {
			c.Deliver(protocol.MustEnvelope(protocol.ServerError, protocol.Error{
				Code:    protocol.CodeInvalidMessage,
				Message: err.Error(),
			}).WithRef(envelope.Ref))

			continue
		}

		err = membership.Handle(ctx, envelope)
		if err != nil {
			if !errors.Is(err, hub.ErrHubClosed) {
				c.logger.WarnContext(ctx, "Failed to handle message", "type", envelope.Type, "error", err)
			}

			return
		}
	}
}
