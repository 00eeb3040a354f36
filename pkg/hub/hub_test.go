package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/storyflow/pkg/hub"
	"github.com/dukex/storyflow/pkg/mocks"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/persistence/file"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/dukex/storyflow/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const projectID = "P1"

type fakePeer struct {
	messages chan protocol.Envelope
	closed   atomic.Bool
}

func newPeer() *fakePeer {
	return &fakePeer{messages: make(chan protocol.Envelope, 256)}
}

func (p *fakePeer) Deliver(envelope protocol.Envelope) {
	p.messages <- envelope
}

func (p *fakePeer) Close() {
	p.closed.Store(true)
}

// next returns the next message of type t, skipping any other type.
func (p *fakePeer) next(t *testing.T, messageType protocol.MessageType) protocol.Envelope {
	t.Helper()

	timeout := time.After(2 * time.Second)

	for {
		select {
		case envelope := <-p.messages:
			if envelope.Type == messageType {
				return envelope
			}
		case <-timeout:
			t.Fatalf("no %s message received", messageType)

			return protocol.Envelope{}
		}
	}
}

func (p *fakePeer) expectNone(t *testing.T, messageType protocol.MessageType) {
	t.Helper()

	timeout := time.After(100 * time.Millisecond)

	for {
		select {
		case envelope := <-p.messages:
			assert.NotEqual(t, messageType, envelope.Type, "unexpected %s message", messageType)
		case <-timeout:
			return
		}
	}
}

type fakeStarter struct {
	mu       sync.Mutex
	requests []services.CreateTakeRequest
	err      error
}

func (s *fakeStarter) CreateTake(_ context.Context, req services.CreateTakeRequest) (*services.CreateTakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}

	return &services.CreateTakeResult{TakeID: "T1", JobID: "J1"}, nil
}

func (s *fakeStarter) received() []services.CreateTakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]services.CreateTakeRequest(nil), s.requests...)
}

func newHub(t *testing.T, opts ...hub.Option) (*hub.Hub, string) {
	t.Helper()

	root := t.TempDir()
	opts = append([]hub.Option{hub.WithCheckpointSchedule("")}, opts...)
	h := hub.New(file.NewPersistence(root).GraphRepository(), opts...)

	t.Cleanup(func() {
		_ = h.Close(context.Background())
	})

	return h, root
}

func join(t *testing.T, h *hub.Hub, sessionID string) (*hub.Membership, *fakePeer) {
	t.Helper()

	peer := newPeer()
	membership, err := h.Join(context.Background(), projectID, models.CollaborationSession{
		SessionID: sessionID,
		UserID:    "user-" + sessionID,
		UserName:  sessionID,
	}, peer)
	require.NoError(t, err)

	return membership, peer
}

func send(t *testing.T, m *hub.Membership, ref string, messageType protocol.MessageType, payload any) {
	t.Helper()

	require.NoError(t, m.Handle(context.Background(), protocol.MustEnvelope(messageType, payload).WithRef(ref)))
}

func shotNode(id string, data models.ShotData) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeShot, Position: models.Position{X: 100, Y: 100}, Data: data}
}

func decodeShot(t *testing.T, envelope protocol.Envelope) (string, models.ShotData) {
	t.Helper()

	var updated protocol.NodeStateUpdated
	require.NoError(t, envelope.Decode(&updated))

	var data models.ShotData
	require.NoError(t, json.Unmarshal(updated.State, &data))

	return updated.NodeID, data
}

func snapshotShot(t *testing.T, h *hub.Hub, nodeID string) models.ShotData {
	t.Helper()

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)

	node, ok := state.Graph.Node(nodeID)
	require.True(t, ok)

	data, ok := node.Data.(models.ShotData)
	require.True(t, ok)

	return data
}

func TestHub_BroadcastsEditsToOtherSessions(t *testing.T) {
	h, _ := newHub(t)
	alice, alicePeer := join(t, h, "alice")
	_, bobPeer := join(t, h, "bob")

	send(t, alice, "r1", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{Title: "Opening"})})

	upserted := bobPeer.next(t, protocol.ServerNodeUpserted)
	assert.Equal(t, uint64(1), upserted.Version)

	var node protocol.NodeUpserted
	require.NoError(t, upserted.Decode(&node))
	assert.Equal(t, "n1", node.Node.ID)
	assert.Equal(t, models.ShotData{Title: "Opening"}, node.Node.Data)

	send(t, alice, "r2", protocol.ClientUpdateNodeData, protocol.UpdateNodeData{
		NodeID: "n1",
		Data:   map[string]any{"prompt": "a lighthouse at dawn"},
	})

	updated := bobPeer.next(t, protocol.ServerNodeStateUpdated)
	assert.Equal(t, uint64(2), updated.Version)

	nodeID, data := decodeShot(t, updated)
	assert.Equal(t, "n1", nodeID)
	assert.Equal(t, models.ShotData{Title: "Opening", Prompt: "a lighthouse at dawn"}, data)

	alicePeer.expectNone(t, protocol.ServerNodeUpserted)

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Version)
}

func TestHub_RemovesNodeWithItsEdges(t *testing.T) {
	h, _ := newHub(t)
	alice, _ := join(t, h, "alice")
	_, bobPeer := join(t, h, "bob")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n2", models.ShotData{})})
	send(t, alice, "", protocol.ClientUpsertEdge, protocol.UpsertEdge{Edge: models.Edge{ID: "e1", Source: "n1", Target: "n2"}})
	bobPeer.next(t, protocol.ServerEdgeUpserted)

	send(t, alice, "", protocol.ClientRemoveNode, protocol.RemoveNode{NodeID: "n2"})

	removed := bobPeer.next(t, protocol.ServerNodeRemoved)
	assert.Equal(t, uint64(4), removed.Version)

	var payload protocol.NodeRemoved
	require.NoError(t, removed.Decode(&payload))
	assert.Equal(t, protocol.NodeRemoved{NodeID: "n2", EdgeIDs: []string{"e1"}}, payload)

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)
	assert.Len(t, state.Graph.Nodes, 1)
	assert.Empty(t, state.Graph.Edges)
}

func TestHub_RejectsInvalidMessagesWithoutMutation(t *testing.T) {
	tests := []struct {
		name        string
		messageType protocol.MessageType
		payload     any
		code        string
	}{
		{
			name:        "update of missing node",
			messageType: protocol.ClientUpdateNodeData,
			payload:     protocol.UpdateNodeData{NodeID: "missing", Data: map[string]any{"title": "x"}},
			code:        protocol.CodeNodeNotFound,
		},
		{
			name:        "data out of range",
			messageType: protocol.ClientUpdateNodeData,
			payload:     protocol.UpdateNodeData{NodeID: "n1", Data: map[string]any{"progress": 150}},
			code:        protocol.CodeInvalidData,
		},
		{
			name:        "node without id",
			messageType: protocol.ClientUpsertNode,
			payload:     protocol.UpsertNode{Node: shotNode("", models.ShotData{})},
			code:        protocol.CodeInvalidNode,
		},
		{
			name:        "node with unknown parent",
			messageType: protocol.ClientUpsertNode,
			payload: protocol.UpsertNode{Node: models.Node{
				ID: "n9", Type: models.NodeTypeShot, Data: models.ShotData{}, ParentID: "nowhere",
			}},
			code: protocol.CodeInvalidNode,
		},
		{
			name:        "dangling edge",
			messageType: protocol.ClientUpsertEdge,
			payload:     protocol.UpsertEdge{Edge: models.Edge{ID: "e1", Source: "n1", Target: "ghost"}},
			code:        protocol.CodeInvalidEdge,
		},
		{
			name:        "self edge",
			messageType: protocol.ClientUpsertEdge,
			payload:     protocol.UpsertEdge{Edge: models.Edge{ID: "e1", Source: "n1", Target: "n1"}},
			code:        protocol.CodeInvalidEdge,
		},
		{
			name:        "remove unknown edge",
			messageType: protocol.ClientRemoveEdge,
			payload:     protocol.RemoveEdge{EdgeID: "e404"},
			code:        protocol.CodeEdgeNotFound,
		},
		{
			name:        "remove unknown node",
			messageType: protocol.ClientRemoveNode,
			payload:     protocol.RemoveNode{NodeID: "n404"},
			code:        protocol.CodeNodeNotFound,
		},
		{
			name:        "server message from a client",
			messageType: protocol.ServerPresence,
			payload:     protocol.Presence{},
			code:        protocol.CodeInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHub(t)
			alice, alicePeer := join(t, h, "alice")
			_, bobPeer := join(t, h, "bob")

			send(t, alice, "seed", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
			bobPeer.next(t, protocol.ServerNodeUpserted)

			send(t, alice, "bad", tt.messageType, tt.payload)

			rejected := alicePeer.next(t, protocol.ServerError)
			assert.Equal(t, "bad", rejected.Ref)

			var payload protocol.Error
			require.NoError(t, rejected.Decode(&payload))
			assert.Equal(t, tt.code, payload.Code)
			assert.NotEmpty(t, payload.Message)

			state, err := h.Snapshot(context.Background(), projectID)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), state.Version)
			assert.Len(t, state.Graph.Nodes, 1)

			bobPeer.expectNone(t, protocol.ServerError)
		})
	}
}

func TestHub_GroupWithChildrenKeepsItsType(t *testing.T) {
	h, _ := newHub(t)
	alice, alicePeer := join(t, h, "alice")

	group := models.Node{ID: "g1", Type: models.NodeTypeGroup, Data: models.GroupData{}}
	child := shotNode("n1", models.ShotData{})
	child.ParentID = "g1"

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: group})
	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: child})
	send(t, alice, "retype", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("g1", models.ShotData{})})

	rejected := alicePeer.next(t, protocol.ServerError)
	assert.Equal(t, "retype", rejected.Ref)

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)

	node, ok := state.Graph.Node("g1")
	require.True(t, ok)
	assert.Equal(t, models.NodeTypeGroup, node.Type)
}

func TestHub_ViewportAndSyncRequest(t *testing.T) {
	h, _ := newHub(t)
	alice, alicePeer := join(t, h, "alice")
	bob, bobPeer := join(t, h, "bob")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{Title: "Opening"})})
	send(t, alice, "", protocol.ClientSetViewport, protocol.SetViewport{Viewport: models.Viewport{X: 10, Y: 20, Zoom: 2}})

	viewport := bobPeer.next(t, protocol.ServerViewportUpdated)
	assert.Equal(t, uint64(2), viewport.Version)

	send(t, bob, "sync", protocol.ClientSyncRequest, protocol.SyncRequest{})

	synced := bobPeer.next(t, protocol.ServerFullSync)
	assert.Equal(t, uint64(2), synced.Version)

	var payload protocol.FullSync
	require.NoError(t, synced.Decode(&payload))
	assert.Equal(t, models.Viewport{X: 10, Y: 20, Zoom: 2}, payload.Graph.Viewport)
	require.Len(t, payload.Graph.Nodes, 1)
	assert.Equal(t, models.ShotData{Title: "Opening"}, payload.Graph.Nodes[0].Data)

	alicePeer.expectNone(t, protocol.ServerFullSync)
}

func TestHub_Presence(t *testing.T) {
	h, _ := newHub(t)
	_, alicePeer := join(t, h, "alice")

	first := alicePeer.next(t, protocol.ServerPresence)

	var presence protocol.Presence
	require.NoError(t, first.Decode(&presence))
	require.Len(t, presence.Sessions, 1)
	assert.Equal(t, "alice", presence.Sessions[0].SessionID)
	assert.NotEmpty(t, presence.Sessions[0].Color)

	bob, _ := join(t, h, "bob")

	require.NoError(t, alicePeer.next(t, protocol.ServerPresence).Decode(&presence))
	require.Len(t, presence.Sessions, 2)
	assert.NotEqual(t, presence.Sessions[0].Color, presence.Sessions[1].Color)
	assert.Equal(t, presence.Sessions[1].Color, bob.Session().Color)

	send(t, bob, "", protocol.ClientCursor, protocol.Cursor{X: 4, Y: 2})

	require.NoError(t, alicePeer.next(t, protocol.ServerPresence).Decode(&presence))
	require.NotNil(t, presence.Sessions[1].Cursor)
	assert.Equal(t, models.Cursor{X: 4, Y: 2}, *presence.Sessions[1].Cursor)

	bob.Leave(context.Background())

	require.NoError(t, alicePeer.next(t, protocol.ServerPresence).Decode(&presence))
	require.Len(t, presence.Sessions, 1)
	assert.Equal(t, "alice", presence.Sessions[0].SessionID)

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)
	assert.Zero(t, state.Version)
}

func TestHub_JoinRejectsInvalidSession(t *testing.T) {
	h, _ := newHub(t)

	_, err := h.Join(context.Background(), projectID, models.CollaborationSession{SessionID: "s1"}, newPeer())
	require.ErrorIs(t, err, hub.ErrInvalidSession)

	_, err = h.Join(context.Background(), projectID, models.CollaborationSession{
		SessionID: "s1", UserID: "u1", Color: "blue",
	}, newPeer())
	require.ErrorIs(t, err, hub.ErrInvalidSession)
}

func TestHub_StartGeneration(t *testing.T) {
	starter := &fakeStarter{}
	h, _ := newHub(t, hub.WithGenerationStarter(starter))
	alice, _ := join(t, h, "alice")
	_, bobPeer := join(t, h, "bob")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{
		Prompt: "a lighthouse",
		ShotID: "S1",
	})})
	send(t, alice, "gen", protocol.ClientStartGeneration, protocol.StartGeneration{
		NodeID:  "n1",
		Params:  map[string]any{"seed": 42},
		Quality: models.QualityDraft,
	})

	_, generating := decodeShot(t, bobPeer.next(t, protocol.ServerNodeStateUpdated))
	assert.Equal(t, models.ShotStatusGenerating, generating.Status)

	_, started := decodeShot(t, bobPeer.next(t, protocol.ServerNodeStateUpdated))
	assert.Equal(t, "T1", started.LatestTakeID)

	requests := starter.received()
	require.Len(t, requests, 1)
	assert.Equal(t, services.CreateTakeRequest{
		ShotID:           "S1",
		ProjectID:        projectID,
		NodeID:           "n1",
		GenerationParams: map[string]any{"seed": float64(42), "prompt": "a lighthouse"},
		Quality:          models.QualityDraft,
	}, requests[0])

	ctx := context.Background()

	h.TaskProgress(ctx, services.TaskUpdate{ProjectID: projectID, NodeID: "n1", ShotID: "S1", TakeID: "T1", Progress: 50, Step: "render"})

	progress := bobPeer.next(t, protocol.ServerTaskProgress)

	var progressPayload protocol.TaskProgress
	require.NoError(t, progress.Decode(&progressPayload))
	assert.Equal(t, protocol.TaskProgress{TaskID: "T1", NodeID: "n1", Progress: 50, Step: "render"}, progressPayload)
	assert.Equal(t, 50, snapshotShot(t, h, "n1").Progress)

	size := int64(2048)
	h.TaskSucceeded(ctx, &models.Take{
		ID: "T1", ShotID: "S1", ProjectID: projectID, NodeID: "n1",
		Status: models.TakeStatusComplete, FilePath: "shots/S1/takes/T1.png", FileSize: &size,
	})

	success := bobPeer.next(t, protocol.ServerTaskSuccess)

	var successPayload protocol.TaskSuccess
	require.NoError(t, success.Decode(&successPayload))
	assert.Equal(t, "T1", successPayload.TaskID)
	assert.Equal(t, int64(2048), successPayload.Result.FileSize)

	shot := snapshotShot(t, h, "n1")
	assert.Equal(t, models.ShotStatusComplete, shot.Status)
	assert.Equal(t, 100, shot.Progress)

	h.TaskProgress(ctx, services.TaskUpdate{ProjectID: projectID, NodeID: "n1", TakeID: "T1", Progress: 75})
	bobPeer.expectNone(t, protocol.ServerTaskProgress)
	assert.Equal(t, models.ShotStatusComplete, snapshotShot(t, h, "n1").Status)

	h.SetActiveTake(ctx, services.ActiveTakeChange{ShotID: "S1", ProjectID: projectID, NodeID: "n1", TakeID: "T1"})
	assert.Equal(t, "T1", snapshotShot(t, h, "n1").ActiveTakeID)
}

func TestHub_StartGenerationFailures(t *testing.T) {
	tests := []struct {
		name    string
		starter hub.GenerationStarter
		nodeID  string
		code    string
		status  models.ShotStatus
	}{
		{
			name:    "dispatch failure",
			starter: &fakeStarter{err: errors.New("broker unavailable")},
			nodeID:  "n1",
			code:    protocol.CodeGenerationFailed,
			status:  models.ShotStatusFailed,
		},
		{
			name:    "no starter",
			starter: nil,
			nodeID:  "n1",
			code:    protocol.CodeGenerationFailed,
		},
		{
			name:    "not a shot",
			starter: &fakeStarter{},
			nodeID:  "p1",
			code:    protocol.CodeInvalidNode,
		},
		{
			name:    "missing node",
			starter: &fakeStarter{},
			nodeID:  "n404",
			code:    protocol.CodeNodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []hub.Option{}
			if tt.starter != nil {
				opts = append(opts, hub.WithGenerationStarter(tt.starter))
			}

			h, _ := newHub(t, opts...)
			alice, alicePeer := join(t, h, "alice")

			send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
			send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: models.Node{
				ID: "p1", Type: models.NodeTypePrompt, Data: models.PromptData{Text: "hello"},
			}})
			send(t, alice, "gen", protocol.ClientStartGeneration, protocol.StartGeneration{NodeID: tt.nodeID})

			rejected := alicePeer.next(t, protocol.ServerError)
			assert.Equal(t, "gen", rejected.Ref)

			var payload protocol.Error
			require.NoError(t, rejected.Decode(&payload))
			assert.Equal(t, tt.code, payload.Code)

			assert.Equal(t, tt.status, snapshotShot(t, h, "n1").Status)
		})
	}
}

func TestHub_IgnoresEventsOfOtherTakes(t *testing.T) {
	h, _ := newHub(t, hub.WithGenerationStarter(&fakeStarter{}))
	alice, alicePeer := join(t, h, "alice")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
	send(t, alice, "", protocol.ClientStartGeneration, protocol.StartGeneration{NodeID: "n1"})

	require.Eventually(t, func() bool {
		return snapshotShot(t, h, "n1").LatestTakeID == "T1"
	}, 2*time.Second, 10*time.Millisecond)

	h.TaskFailed(context.Background(), &models.Take{
		ID: "T0", ShotID: "n1", ProjectID: projectID, NodeID: "n1", Status: models.TakeStatusFailed, Error: "stale",
	})
	alicePeer.next(t, protocol.ServerTaskFailed)

	shot := snapshotShot(t, h, "n1")
	assert.Equal(t, models.ShotStatusGenerating, shot.Status)
	assert.Empty(t, shot.Error)

	h.TaskFailed(context.Background(), &models.Take{
		ID: "T1", ShotID: "n1", ProjectID: projectID, NodeID: "n1", Status: models.TakeStatusFailed, Error: "render failed",
	})
	alicePeer.next(t, protocol.ServerTaskFailed)

	shot = snapshotShot(t, h, "n1")
	assert.Equal(t, models.ShotStatusFailed, shot.Status)
	assert.Equal(t, "render failed", shot.Error)
}

func TestHub_CheckpointPersistsAndEvictsIdleRooms(t *testing.T) {
	h, root := newHub(t)
	alice, _ := join(t, h, "alice")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{Title: "Opening"})})

	state, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.Version)

	h.Checkpoint(context.Background())
	assert.Equal(t, 1, h.Rooms(), "rooms with members stay loaded")

	saved, err := file.NewPersistence(root).GraphRepository().Load(context.Background(), projectID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(1), saved.Version)
	assert.Len(t, saved.Graph.Nodes, 1)

	alice.Leave(context.Background())
	h.Checkpoint(context.Background())
	assert.Equal(t, 0, h.Rooms())

	reloaded, err := h.Snapshot(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reloaded.Version)

	node, ok := reloaded.Graph.Node("n1")
	require.True(t, ok)
	assert.Equal(t, models.ShotData{Title: "Opening"}, node.Data)
}

func TestHub_CheckpointFailureKeepsRoom(t *testing.T) {
	graphs := &mocks.MockGraphRepository{}
	graphs.On("Load", mock.Anything, projectID).Return(nil, nil)
	graphs.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	h := hub.New(graphs, hub.WithCheckpointSchedule(""))

	peer := newPeer()
	membership, err := h.Join(context.Background(), projectID, models.CollaborationSession{SessionID: "s1", UserID: "u1"}, peer)
	require.NoError(t, err)

	send(t, membership, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
	membership.Leave(context.Background())

	h.Checkpoint(context.Background())
	assert.Equal(t, 1, h.Rooms())

	err = h.Close(context.Background())
	require.Error(t, err)
	graphs.AssertNumberOfCalls(t, "Save", 2)
}

func TestHub_LoadFailureRejectsJoin(t *testing.T) {
	graphs := &mocks.MockGraphRepository{}
	graphs.On("Load", mock.Anything, projectID).Return(nil, errors.New("connection refused"))

	h := hub.New(graphs, hub.WithCheckpointSchedule(""))

	_, err := h.Join(context.Background(), projectID, models.CollaborationSession{SessionID: "s1", UserID: "u1"}, newPeer())
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, h.Rooms())
}

func TestHub_CloseSavesAndDisconnects(t *testing.T) {
	h, root := newHub(t)
	alice, alicePeer := join(t, h, "alice")

	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})

	require.NoError(t, h.Close(context.Background()))
	assert.True(t, alicePeer.closed.Load())

	saved, err := file.NewPersistence(root).GraphRepository().Load(context.Background(), projectID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(1), saved.Version)

	_, err = h.Join(context.Background(), projectID, models.CollaborationSession{SessionID: "s2", UserID: "u2"}, newPeer())
	require.ErrorIs(t, err, hub.ErrHubClosed)

	err = alice.Handle(context.Background(), protocol.MustEnvelope(protocol.ClientSyncRequest, protocol.SyncRequest{}))
	require.ErrorIs(t, err, hub.ErrHubClosed)
}

func TestHub_StartSchedulesCheckpoints(t *testing.T) {
	h, root := newHub(t, hub.WithCheckpointSchedule("@every 1s"))
	require.NoError(t, h.Start(context.Background()))

	alice, _ := join(t, h, "alice")
	send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})

	graphs := file.NewPersistence(root).GraphRepository()

	assert.Eventually(t, func() bool {
		saved, err := graphs.Load(context.Background(), projectID)

		return err == nil && saved != nil && saved.Version == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestHub_InvalidSchedule(t *testing.T) {
	h, _ := newHub(t, hub.WithCheckpointSchedule("every now and then"))

	require.Error(t, h.Start(context.Background()))
}

func TestHub_IgnoresProgressOfFinishedTakes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		take    *models.Take
		outcome protocol.MessageType
		status  models.ShotStatus
	}{
		{
			name:    "tracked take succeeded",
			take:    &models.Take{ID: "T1", Status: models.TakeStatusComplete},
			outcome: protocol.ServerTaskSuccess,
			status:  models.ShotStatusComplete,
		},
		{
			name:    "tracked take failed",
			take:    &models.Take{ID: "T1", Status: models.TakeStatusFailed, Error: "render failed"},
			outcome: protocol.ServerTaskFailed,
			status:  models.ShotStatusFailed,
		},
		{
			name:    "stale take failed",
			take:    &models.Take{ID: "T0", Status: models.TakeStatusFailed, Error: "stale"},
			outcome: protocol.ServerTaskFailed,
			status:  models.ShotStatusGenerating,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHub(t, hub.WithGenerationStarter(&fakeStarter{}))
			alice, alicePeer := join(t, h, "alice")

			send(t, alice, "", protocol.ClientUpsertNode, protocol.UpsertNode{Node: shotNode("n1", models.ShotData{})})
			send(t, alice, "", protocol.ClientStartGeneration, protocol.StartGeneration{NodeID: "n1"})

			require.Eventually(t, func() bool {
				return snapshotShot(t, h, "n1").LatestTakeID == "T1"
			}, 2*time.Second, 10*time.Millisecond)

			take := *tt.take
			take.ShotID = "n1"
			take.ProjectID = projectID
			take.NodeID = "n1"

			if take.Status == models.TakeStatusComplete {
				h.TaskSucceeded(ctx, &take)
			} else {
				h.TaskFailed(ctx, &take)
			}

			alicePeer.next(t, tt.outcome)

			h.TaskProgress(ctx, services.TaskUpdate{ProjectID: projectID, NodeID: "n1", TakeID: take.ID, Progress: 90})
			alicePeer.expectNone(t, protocol.ServerTaskProgress)

			shot := snapshotShot(t, h, "n1")
			assert.Equal(t, tt.status, shot.Status)
			assert.NotEqual(t, 90, shot.Progress)
		})
	}
}
