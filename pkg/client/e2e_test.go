package client_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/client"
	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence/file"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/dukex/storyflow/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// gate refuses new connections while blocked.
type gate struct {
	next    http.Handler
	blocked atomic.Bool
}

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.blocked.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)

		return
	}

	g.next.ServeHTTP(w, r)
}

// netRecorder keeps the client side sockets so tests can cut them.
type netRecorder struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (r *netRecorder) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	return conn, nil
}

func (r *netRecorder) cut() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.conns {
		_ = conn.Close()
	}

	r.conns = nil
}

type env struct {
	hub    *hub.Hub
	server *httptest.Server
	gate   *gate
}

func newEnv(t *testing.T) *env {
	t.Helper()

	h := hub.New(file.NewPersistence(t.TempDir()).GraphRepository(), hub.WithCheckpointSchedule(""))
	g := &gate{next: transport.NewServer(h).Handler()}
	srv := httptest.NewServer(g)

	t.Cleanup(func() {
		srv.Close()
		_ = h.Close(context.Background())
	})

	return &env{hub: h, server: srv, gate: g}
}

func (e *env) connect(t *testing.T, userID string, handlers client.Handlers, opts ...client.Option) *client.Session {
	t.Helper()

	opts = append([]client.Option{client.WithHandlers(handlers)}, opts...)

	session, err := client.New(client.Config{
		ServerURL:      e.server.URL,
		ProjectID:      "P1",
		UserID:         userID,
		UserName:       userID,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}, opts...)
	require.NoError(t, err)

	session.Start(context.Background())
	t.Cleanup(session.Close)

	require.Eventually(t, session.Synced, waitFor, tick)

	return session
}

func (e *env) canonical(t *testing.T) models.Graph {
	t.Helper()

	state, err := e.hub.Snapshot(context.Background(), "P1")
	require.NoError(t, err)

	return state.Graph
}

func graphOf(t *testing.T, session *client.Session) models.Graph {
	t.Helper()

	graph, err := session.Graph()
	require.NoError(t, err)

	return graph
}

func TestSession_ConvergesAcrossClients(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice", client.Handlers{})
	bob := e.connect(t, "bob", client.Handlers{})

	var first, second string

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		first = engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeShot, Data: models.ShotData{Title: "Opening"}})
		second = engine.AddNode(canvas.NodeSpec{Type: models.NodeTypePrompt, Position: models.Position{X: 200}})
	}))

	require.Eventually(t, func() bool {
		_, ok := graphOf(t, bob).Node(first)

		return ok
	}, waitFor, tick)

	require.NoError(t, bob.Do(func(engine *canvas.Engine) {
		_, _ = engine.UpdateNodeData(first, map[string]any{"prompt": "a lighthouse"})
	}))

	assert.Eventually(t, func() bool {
		node, ok := graphOf(t, bob).Node(first)

		return ok && node.Data == models.ShotData{Title: "Opening", Prompt: "a lighthouse"}
	}, waitFor, tick)

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		engine.AddEdge(canvas.EdgeSpec{Source: second, Target: first})
	}))

	assert.Eventually(t, func() bool {
		return len(graphOf(t, bob).Edges) == 1
	}, waitFor, tick)

	undone, err := alice.Undo()
	require.NoError(t, err)
	require.True(t, undone)

	assert.Eventually(t, func() bool {
		canonical := e.canonical(t)

		return len(canonical.Edges) == 0 &&
			canvas.SameContent(canonical, graphOf(t, alice)) &&
			canvas.SameContent(canonical, graphOf(t, bob))
	}, waitFor, tick)

	assert.Equal(t, e.canonical(t).Nodes, graphOf(t, bob).Nodes)
}

func TestSession_DiscardsOfflineEditsOnReconnect(t *testing.T) {
	e := newEnv(t)
	recorder := &netRecorder{}

	var statuses []client.Status
	var mu sync.Mutex

	alice := e.connect(t, "alice", client.Handlers{
		OnStatus: func(status client.Status) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		},
	}, client.WithDialer(&websocket.Dialer{NetDialContext: recorder.dial, HandshakeTimeout: time.Second}))

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeShot})
	}))

	require.Eventually(t, func() bool { return len(e.canonical(t).Nodes) == 1 }, waitFor, tick)

	e.gate.blocked.Store(true)
	recorder.cut()

	require.Eventually(t, func() bool { return alice.Status() == client.StatusReconnecting }, waitFor, tick)

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeScene})
	}))
	assert.Len(t, graphOf(t, alice).Nodes, 2)
	assert.Equal(t, client.StatusReconnecting, alice.Status())

	e.gate.blocked.Store(false)

	require.Eventually(t, func() bool {
		return alice.Status() == client.StatusConnected && alice.Synced()
	}, waitFor, tick)

	canonical := e.canonical(t)
	assert.Len(t, canonical.Nodes, 1)
	assert.True(t, canvas.SameContent(canonical, graphOf(t, alice)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []client.Status{client.StatusConnected, client.StatusReconnecting, client.StatusConnected}, statuses)
}

func TestSession_RejectedEditReconverges(t *testing.T) {
	e := newEnv(t)

	errs := make(chan protocol.Error, 1)
	alice := e.connect(t, "alice", client.Handlers{
		OnError: func(e protocol.Error) { errs <- e },
	})

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		node := engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeShot})
		engine.AddEdge(canvas.EdgeSpec{Source: node, Target: "nowhere"})
	}))

	select {
	case rejected := <-errs:
		assert.Equal(t, protocol.CodeInvalidEdge, rejected.Code)
	case <-time.After(waitFor):
		t.Fatal("edit was not rejected")
	}

	assert.Eventually(t, func() bool {
		graph := graphOf(t, alice)

		return len(graph.Edges) == 0 && len(graph.Nodes) == 1
	}, waitFor, tick)
}

func TestSession_ReportsPresence(t *testing.T) {
	e := newEnv(t)

	var (
		mu       sync.Mutex
		sessions []models.CollaborationSession
	)

	e.connect(t, "alice", client.Handlers{
		OnPresence: func(s []models.CollaborationSession) {
			mu.Lock()
			sessions = s
			mu.Unlock()
		},
	})
	bob := e.connect(t, "bob", client.Handlers{})

	require.NoError(t, bob.SetCursor(12, 34))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(sessions) == 2 && sessions[1].Cursor != nil && *sessions[1].Cursor == models.Cursor{X: 12, Y: 34}
	}, waitFor, tick)

	bob.Close()
	assert.Equal(t, client.StatusClosed, bob.Status())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(sessions) == 1
	}, waitFor, tick)
}

func TestSession_StartGenerationWithoutWorker(t *testing.T) {
	e := newEnv(t)

	errs := make(chan protocol.Error, 1)
	alice := e.connect(t, "alice", client.Handlers{
		OnError: func(e protocol.Error) { errs <- e },
	})

	var node string

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		node = engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeShot})
	}))
	require.NoError(t, alice.StartGeneration(node, nil, models.QualityDraft))

	select {
	case rejected := <-errs:
		assert.Equal(t, protocol.CodeGenerationFailed, rejected.Code)
	case <-time.After(waitFor):
		t.Fatal("generation was not rejected")
	}

	require.Error(t, alice.StartGeneration("", nil, ""))
}

func TestSession_ResyncConfirmsEdits(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice", client.Handlers{})

	var node string

	require.NoError(t, alice.Do(func(engine *canvas.Engine) {
		node = engine.AddNode(canvas.NodeSpec{Type: models.NodeTypePrompt, Data: models.PromptData{Text: "fog"}})
	}))
	require.NoError(t, alice.Resync())

	require.Eventually(t, alice.Synced, waitFor, tick)

	_, ok := e.canonical(t).Node(node)
	assert.True(t, ok)
	assert.Positive(t, alice.Version())
}

func TestSession_EditsRacingFullSyncConverge(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice", client.Handlers{})
	bob := e.connect(t, "bob", client.Handlers{})

	for i := range 5 {
		require.NoError(t, alice.Resync())
		require.NoError(t, alice.Do(func(engine *canvas.Engine) {
			engine.AddNode(canvas.NodeSpec{Type: models.NodeTypeShot, Position: models.Position{X: float64(i * 100)}})
		}))
	}

	assert.Eventually(t, func() bool {
		canonical := e.canonical(t)

		return len(canonical.Nodes) == 5 && alice.Synced() &&
			canvas.SameContent(canonical, graphOf(t, alice)) &&
			canvas.SameContent(canonical, graphOf(t, bob))
	}, waitFor, tick)
}
