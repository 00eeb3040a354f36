package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 70 * time.Second
	sendBuffer   = 256
)

// connection is one websocket attempt. The session loop writes through out;
// the read side runs on the goroutine that dialed it.
type connection struct {
	ws   *websocket.Conn
	out  chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:   ws,
		out:  make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the queue is full or the connection is gone.
func (c *connection) enqueue(envelope protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- envelope:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)

		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *connection) writeLoop() {
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case envelope := <-c.out:
			frame, err := protocol.Marshal(envelope)
			if err != nil {
				continue
			}

			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))

			err = c.ws.WriteMessage(websocket.TextMessage, frame)
			if err != nil {
				return
			}
		}
	}
}

// readLoop hands every decoded frame to deliver until the connection fails.
func (c *connection) readLoop(deliver func(protocol.Envelope)) error {
	defer c.close()

	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		envelope, err := protocol.Unmarshal(frame)
		if err != nil {
			continue
		}

		deliver(envelope)
	}
}

// SyncURL builds the websocket URL of a project sync channel.
func SyncURL(baseURL, projectID, userID, userName, color string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}

	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}

	base = base.JoinPath("projects", projectID, "sync")

	query := url.Values{}
	query.Set("user_id", userID)

	if userName != "" {
		query.Set("user_name", userName)
	}

	if color != "" {
		query.Set("color", color)
	}

	base.RawQuery = query.Encode()

	return base.String(), nil
}

func dial(ctx context.Context, dialer *websocket.Dialer, target string) (*connection, error) {
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, err
	}

	return newConnection(ws), nil
}
