package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/log"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence/file"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	h := hub.New(file.NewPersistence(t.TempDir()).GraphRepository(), hub.WithCheckpointSchedule(""))
	srv := httptest.NewServer(NewServer(h).Handler())

	t.Cleanup(func() {
		_ = h.Close(context.Background())
		srv.Close()
	})

	return srv
}

func syncURL(srv *httptest.Server, projectID, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/projects/" + projectID + "/sync?" + query
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	ws, resp, err := websocket.DefaultDialer.Dial(syncURL(srv, "P1", "user_id="+userID+"&user_name="+userID), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	t.Cleanup(func() {
		_ = ws.Close()
	})

	return ws
}

func readType(t *testing.T, ws *websocket.Conn, messageType protocol.MessageType) protocol.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		_, frame, err := ws.ReadMessage()
		require.NoError(t, err)

		envelope, err := protocol.Unmarshal(frame)
		require.NoError(t, err)

		if envelope.Type == messageType {
			return envelope
		}
	}
}

func write(t *testing.T, ws *websocket.Conn, envelope protocol.Envelope) {
	t.Helper()

	frame, err := protocol.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestServer_RelaysEditsBetweenConnections(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv, "alice")
	readType(t, alice, protocol.ServerPresence)

	bob := dial(t, srv, "bob")

	var presence protocol.Presence
	require.NoError(t, readType(t, alice, protocol.ServerPresence).Decode(&presence))
	assert.Len(t, presence.Sessions, 2)

	write(t, alice, protocol.MustEnvelope(protocol.ClientUpsertNode, protocol.UpsertNode{Node: models.Node{
		ID:   "n1",
		Type: models.NodeTypeShot,
		Data: models.ShotData{Title: "Opening"},
	}}))

	upserted := readType(t, bob, protocol.ServerNodeUpserted)
	assert.Equal(t, uint64(1), upserted.Version)

	write(t, bob, protocol.MustEnvelope(protocol.ClientSyncRequest, protocol.SyncRequest{}))

	synced := readType(t, bob, protocol.ServerFullSync)
	assert.Equal(t, uint64(1), synced.Version)

	var payload protocol.FullSync
	require.NoError(t, synced.Decode(&payload))
	require.Len(t, payload.Graph.Nodes, 1)
	assert.Equal(t, "n1", payload.Graph.Nodes[0].ID)
}

func TestServer_RejectsMalformedFrames(t *testing.T) {
	srv := newTestServer(t)
	ws := dial(t, srv, "alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"client:remove_node","ref":"r7","payload":{}}`)))

	rejected := readType(t, ws, protocol.ServerError)
	assert.Equal(t, "r7", rejected.Ref)

	var payload protocol.Error
	require.NoError(t, rejected.Decode(&payload))
	assert.Equal(t, protocol.CodeInvalidMessage, payload.Code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	rejected = readType(t, ws, protocol.ServerError)
	require.NoError(t, rejected.Decode(&payload))
	assert.Equal(t, protocol.CodeInvalidMessage, payload.Code)
}

func TestServer_RequiresUser(t *testing.T) {
	srv := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(syncURL(srv, "P1", "user_name=anonymous"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RejectsInvalidSession(t *testing.T) {
	srv := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(syncURL(srv, "P1", "user_id=u1&color=blue"), nil)
	require.NoError(t, err)

	defer ws.Close()

	rejected := readType(t, ws, protocol.ServerError)

	var payload protocol.Error
	require.NoError(t, rejected.Decode(&payload))
	assert.Contains(t, payload.Message, hub.ErrInvalidSession.Error())

	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestServer_ServesMetrics(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv, "alice")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CheckOrigin(t *testing.T) {
	s := NewServer(nil, WithConfig(Config{AllowedOrigins: []string{"https://studio.example"}}))

	allowed := httptest.NewRequest(http.MethodGet, "/projects/P1/sync", nil)
	allowed.Header.Set("Origin", "https://studio.example")
	assert.True(t, s.checkOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/projects/P1/sync", nil)
	denied.Header.Set("Origin", "https://elsewhere.example")
	assert.False(t, s.checkOrigin(denied))
}

func TestConn_DropsSlowConsumer(t *testing.T) {
	config := DefaultConfig()
	config.SendBuffer = 1

	c := newConn(nil, config, log.WithModule("transport_test"))
	envelope := protocol.MustEnvelope(protocol.ServerPresence, protocol.Presence{})

	c.Deliver(envelope)
	assert.False(t, c.closed())

	c.Deliver(envelope)
	assert.True(t, c.closed())

	// Delivering to a closed connection is a no-op.
	c.Deliver(envelope)
	assert.Len(t, c.send, 1)
}
