package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/metrics"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/otelhelper"
	"github.com/dukex/storyflow/pkg/protocol"
	"github.com/dukex/storyflow/pkg/services"
	"go.opentelemetry.io/otel/attribute"
)

var errRoomClosed = errors.New("room closed")

type member struct {
	session models.CollaborationSession
	peer    Peer
}

// rejection is a client message refused without any state change.
type rejection struct {
	code    string
	message string
}

func (r rejection) Error() string {
	return r.code + ": " + r.message
}

func reject(code, format string, args ...any) *rejection {
	return &rejection{code: code, message: fmt.Sprintf(format, args...)}
}

// room owns the canonical state of one project. Every field below inbox is
// touched only by the goroutine running run.
type room struct {
	projectID string
	hub       *Hub
	inbox     chan func()
	done      chan struct{}
	err       error
	logger    *slog.Logger

	state   models.ProjectState
	dirty   bool
	members map[string]*member
	order   []string
	closing bool
	// settled holds the takes whose outcome was applied.
	settled map[string]struct{}
}

func newRoom(h *Hub, projectID string) *room {
	return &room{
		projectID: projectID,
		hub:       h,
		inbox:     make(chan func()),
		done:      make(chan struct{}),
		logger:    h.logger.With("project_id", projectID),
		members:   make(map[string]*member),
		settled:   make(map[string]struct{}),
	}
}

// do hands fn to the room goroutine without waiting for it to run.
func (r *room) do(fn func()) error {
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		if r.err != nil {
			return r.err
		}

		return errRoomClosed
	}
}

// call runs fn on the room goroutine and waits for it.
func (r *room) call(fn func()) error {
	finished := make(chan struct{})

	err := r.do(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	<-finished

	return nil
}

func (r *room) run(ctx context.Context) {
	err := r.load(ctx)
	if err != nil {
		r.err = err
		close(r.done)
		r.hub.forget(r)

		return
	}

	metrics.HubRooms.Inc()

	defer func() {
		metrics.HubRooms.Dec()
		close(r.done)
	}()

	for fn := range r.inbox {
		fn()

		if r.closing {
			return
		}
	}
}

func (r *room) load(ctx context.Context) error {
	state, err := r.hub.graphs.Load(ctx, r.projectID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to load project state", "error", err)

		return fmt.Errorf("failed to load project %s: %w", r.projectID, err)
	}

	if state == nil {
		r.state = models.ProjectState{
			ProjectID: r.projectID,
			Graph:     models.NewGraph(),
			UpdatedAt: time.Now().UTC(),
		}

		return nil
	}

	state.Graph = canvas.Clone(state.Graph)
	r.state = *state

	r.logger.DebugContext(ctx, "Project state loaded", "version", state.Version, "nodes", len(state.Graph.Nodes))

	return nil
}

func (r *room) join(session models.CollaborationSession, peer Peer) {
	if session.Color == "" {
		used := make([]string, 0, len(r.members))
		for _, m := range r.members {
			used = append(used, m.session.Color)
		}

		session.Color = pickColor(session.SessionID, used)
	}

	r.members[session.SessionID] = &member{session: session, peer: peer}
	r.order = append(r.order, session.SessionID)

	metrics.HubSessions.Inc()
	r.broadcastPresence("")
}

func (r *room) leave(sessionID string) {
	if _, ok := r.members[sessionID]; !ok {
		return
	}

	delete(r.members, sessionID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == sessionID })

	metrics.HubSessions.Dec()
	r.broadcastPresence("")
}

func (r *room) send(sessionID string, envelope protocol.Envelope) {
	m, ok := r.members[sessionID]
	if !ok {
		return
	}

	m.peer.Deliver(envelope)
}

// broadcast delivers envelope to every member except the one named by except.
func (r *room) broadcast(except string, envelope protocol.Envelope) {
	for _, sessionID := range r.order {
		if sessionID == except {
			continue
		}

		r.members[sessionID].peer.Deliver(envelope)
	}
}

func (r *room) broadcastPresence(except string) {
	r.broadcast(except, protocol.MustEnvelope(protocol.ServerPresence, protocol.Presence{Sessions: r.presence()}))
}

// bump records an accepted mutation and returns the new version.
func (r *room) bump() uint64 {
	r.state.Version++
	r.state.UpdatedAt = time.Now().UTC()
	r.dirty = true

	return r.state.Version
}

// handle applies one client message.
func (r *room) handle(ctx context.Context, sessionID string, envelope protocol.Envelope) {
	ctx, span := otelhelper.StartSpan(ctx, r.hub.tracer, "hub.handle",
		attribute.String(otelhelper.ProjectIDKey, r.projectID),
		attribute.String(otelhelper.SessionIDKey, sessionID),
		attribute.String(otelhelper.MessageTypeKey, string(envelope.Type)),
	)
	defer span.End()

	if _, ok := r.members[sessionID]; !ok {
		return
	}

	metrics.HubMessagesTotal.WithLabelValues(string(envelope.Type)).Inc()

	rej := r.apply(ctx, sessionID, envelope)
	if rej == nil {
		return
	}

	otelhelper.SetError(span, rej)
	metrics.HubRejectionsTotal.WithLabelValues(rej.code).Inc()

	r.logger.DebugContext(ctx, "Rejected client message",
		"session_id", sessionID,
		"type", envelope.Type,
		"code", rej.code,
		"reason", rej.message,
	)

	r.send(sessionID, protocol.MustEnvelope(protocol.ServerError, protocol.Error{
		Code:    rej.code,
		Message: rej.message,
	}).WithRef(envelope.Ref))
}

func (r *room) apply(ctx context.Context, sessionID string, envelope protocol.Envelope) *rejection {
	switch envelope.Type {
	case protocol.ClientUpdateNodeData:
		var msg protocol.UpdateNodeData
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		return r.updateNodeData(sessionID, msg)
	case protocol.ClientUpsertNode:
		var msg protocol.UpsertNode
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidNode, "%v", err)
		}

		return r.upsertNode(sessionID, msg.Node)
	case protocol.ClientRemoveNode:
		var msg protocol.RemoveNode
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		return r.removeNode(sessionID, msg.NodeID)
	case protocol.ClientUpsertEdge:
		var msg protocol.UpsertEdge
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		return r.upsertEdge(sessionID, msg.Edge)
	case protocol.ClientRemoveEdge:
		var msg protocol.RemoveEdge
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		return r.removeEdge(sessionID, msg.EdgeID)
	case protocol.ClientSetViewport:
		var msg protocol.SetViewport
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		r.state.Graph.Viewport = msg.Viewport
		r.broadcast(sessionID, protocol.MustEnvelope(protocol.ServerViewportUpdated, protocol.ViewportUpdated{
			Viewport: msg.Viewport,
		}).WithVersion(r.bump()))

		return nil
	case protocol.ClientCursor:
		var msg protocol.Cursor
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		r.members[sessionID].session.Cursor = &models.Cursor{X: msg.X, Y: msg.Y}
		r.broadcastPresence(sessionID)

		return nil
	case protocol.ClientStartGeneration:
		var msg protocol.StartGeneration
		if err := envelope.Decode(&msg); err != nil {
			return reject(protocol.CodeInvalidMessage, "%v", err)
		}

		return r.startGeneration(ctx, sessionID, envelope.Ref, msg)
	case protocol.ClientSyncRequest:
		r.send(sessionID, protocol.MustEnvelope(protocol.ServerFullSync, protocol.FullSync{
			Graph: canvas.Clone(r.state.Graph),
		}).WithVersion(r.state.Version))

		return nil
	default:
		return reject(protocol.CodeInvalidMessage, "unsupported message type %q", envelope.Type)
	}
}

func (r *room) updateNodeData(sessionID string, msg protocol.UpdateNodeData) *rejection {
	node, ok := r.state.Graph.Node(msg.NodeID)
	if !ok {
		return reject(protocol.CodeNodeNotFound, "node %s not found", msg.NodeID)
	}

	data, err := models.MergeNodeData(node.Type, node.Data, msg.Data)
	if err != nil {
		return reject(protocol.CodeInvalidData, "%v", err)
	}

	node.Data = data

	err = canvas.ValidateNode(node)
	if err != nil {
		return reject(protocol.CodeInvalidData, "%v", err)
	}

	return r.commitNodeData(sessionID, node)
}

// commitNodeData stores node and broadcasts its complete data payload.
func (r *room) commitNodeData(except string, node models.Node) *rejection {
	state, err := json.Marshal(node.Data)
	if err != nil {
		return reject(protocol.CodeInvalidData, "%v", err)
	}

	r.state.Graph = canvas.PutNode(r.state.Graph, node)
	r.broadcast(except, protocol.MustEnvelope(protocol.ServerNodeStateUpdated, protocol.NodeStateUpdated{
		NodeID: node.ID,
		State:  state,
	}).WithVersion(r.bump()))

	return nil
}

func (r *room) upsertNode(sessionID string, node models.Node) *rejection {
	if node.Data == nil {
		data, err := models.DecodeNodeData(node.Type, nil)
		if err != nil {
			return reject(protocol.CodeInvalidNode, "%v", err)
		}

		node.Data = data
	}

	err := canvas.ValidateNodeIn(r.state.Graph, node)
	if err != nil {
		return reject(protocol.CodeInvalidNode, "%v", err)
	}

	if previous, ok := r.state.Graph.Node(node.ID); ok && previous.Type == models.NodeTypeGroup && node.Type != models.NodeTypeGroup {
		for _, child := range r.state.Graph.Nodes {
			if child.ParentID == node.ID {
				return reject(protocol.CodeInvalidNode, "node %s still has children and must stay a group", node.ID)
			}
		}
	}

	r.state.Graph = canvas.PutNode(r.state.Graph, node)
	r.broadcast(sessionID, protocol.MustEnvelope(protocol.ServerNodeUpserted, protocol.NodeUpserted{
		Node: node,
	}).WithVersion(r.bump()))

	return nil
}

func (r *room) removeNode(sessionID, nodeID string) *rejection {
	next, edgeIDs, ok := canvas.DeleteNode(r.state.Graph, nodeID)
	if !ok {
		return reject(protocol.CodeNodeNotFound, "node %s not found", nodeID)
	}

	r.state.Graph = next
	r.broadcast(sessionID, protocol.MustEnvelope(protocol.ServerNodeRemoved, protocol.NodeRemoved{
		NodeID:  nodeID,
		EdgeIDs: edgeIDs,
	}).WithVersion(r.bump()))

	return nil
}

func (r *room) upsertEdge(sessionID string, edge models.Edge) *rejection {
	err := canvas.ValidateEdge(r.state.Graph, edge)
	if err != nil {
		return reject(protocol.CodeInvalidEdge, "%v", err)
	}

	r.state.Graph = canvas.PutEdge(r.state.Graph, edge)
	r.broadcast(sessionID, protocol.MustEnvelope(protocol.ServerEdgeUpserted, protocol.EdgeUpserted{
		Edge: edge,
	}).WithVersion(r.bump()))

	return nil
}

func (r *room) removeEdge(sessionID, edgeID string) *rejection {
	next, ok := canvas.DeleteEdge(r.state.Graph, edgeID)
	if !ok {
		return reject(protocol.CodeEdgeNotFound, "edge %s not found", edgeID)
	}

	r.state.Graph = next
	r.broadcast(sessionID, protocol.MustEnvelope(protocol.ServerEdgeRemoved, protocol.EdgeRemoved{
		EdgeID: edgeID,
	}).WithVersion(r.bump()))

	return nil
}

// shotNode returns the shot node nodeID with its typed data.
func (r *room) shotNode(nodeID string) (models.Node, models.ShotData, bool) {
	node, ok := r.state.Graph.Node(nodeID)
	if !ok || node.Type != models.NodeTypeShot {
		return models.Node{}, models.ShotData{}, false
	}

	data, ok := node.Data.(models.ShotData)

	return node, data, ok
}

// updateShot applies fn to the data of shot node nodeID and broadcasts the
// result to every member.
func (r *room) updateShot(nodeID string, fn func(data *models.ShotData)) {
	node, data, ok := r.shotNode(nodeID)
	if !ok {
		return
	}

	fn(&data)
	node.Data = data

	_ = r.commitNodeData("", node)
}

func (r *room) startGeneration(ctx context.Context, sessionID, ref string, msg protocol.StartGeneration) *rejection {
	if r.hub.starter == nil {
		return reject(protocol.CodeGenerationFailed, "generation is not available")
	}

	node, data, ok := r.shotNode(msg.NodeID)
	if !ok {
		if _, exists := r.state.Graph.Node(msg.NodeID); exists {
			return reject(protocol.CodeInvalidNode, "node %s is not a shot", msg.NodeID)
		}

		return reject(protocol.CodeNodeNotFound, "node %s not found", msg.NodeID)
	}

	params := map[string]any{}
	for key, value := range msg.Params {
		params[key] = value
	}

	if _, ok := params["prompt"]; !ok && data.Prompt != "" {
		params["prompt"] = data.Prompt
	}

	r.updateShot(node.ID, func(shot *models.ShotData) {
		shot.Status = models.ShotStatusGenerating
		shot.LatestTakeID = ""
		shot.Progress = 0
		shot.Error = ""
	})

	req := services.CreateTakeRequest{
		ShotID:           data.ShotKey(node.ID),
		ProjectID:        r.projectID,
		NodeID:           node.ID,
		GenerationParams: params,
		Quality:          msg.Quality,
	}

	r.hub.startGeneration(context.WithoutCancel(ctx), r, sessionID, ref, req)

	return nil
}

// generationStarted records the take created for a shot node.
func (r *room) generationStarted(nodeID, takeID string) {
	r.updateShot(nodeID, func(shot *models.ShotData) {
		shot.LatestTakeID = takeID
	})
}

// generationRejected reverts a shot node whose take could not be started.
func (r *room) generationRejected(sessionID, ref, nodeID string, err error) {
	r.updateShot(nodeID, func(shot *models.ShotData) {
		shot.Status = models.ShotStatusFailed
		shot.Error = err.Error()
	})

	metrics.HubRejectionsTotal.WithLabelValues(protocol.CodeGenerationFailed).Inc()

	r.send(sessionID, protocol.MustEnvelope(protocol.ServerError, protocol.Error{
		Code:    protocol.CodeGenerationFailed,
		Message: err.Error(),
	}).WithRef(ref))
}

// owns reports whether the shot node tracks takeID, or no take at all yet.
func owns(data models.ShotData, takeID string) bool {
	return data.LatestTakeID == "" || data.LatestTakeID == takeID
}

// finished reports whether takeID already succeeded or failed.
func (r *room) finished(nodeID, takeID string) bool {
	if _, ok := r.settled[takeID]; ok {
		return true
	}

	_, data, ok := r.shotNode(nodeID)

	return ok && data.LatestTakeID == takeID && data.Status != models.ShotStatusGenerating
}

func (r *room) taskProgress(update services.TaskUpdate) {
	if r.finished(update.NodeID, update.TakeID) {
		r.logger.Debug("Ignoring progress of a finished take", "take_id", update.TakeID, "progress", update.Progress)

		return
	}

	r.broadcast("", protocol.MustEnvelope(protocol.ServerTaskProgress, protocol.TaskProgress{
		TaskID:   update.TakeID,
		NodeID:   update.NodeID,
		Progress: update.Progress,
		Step:     update.Step,
	}))

	_, data, ok := r.shotNode(update.NodeID)
	if !ok || !owns(data, update.TakeID) || data.Status != models.ShotStatusGenerating || data.Progress >= update.Progress {
		return
	}

	r.updateShot(update.NodeID, func(shot *models.ShotData) {
		shot.LatestTakeID = update.TakeID
		shot.Progress = update.Progress
	})
}

func (r *room) taskSucceeded(take *models.Take) {
	r.settled[take.ID] = struct{}{}

	result := protocol.TaskResult{
		TakeID:        take.ID,
		FilePath:      take.FilePath,
		ThumbnailPath: take.ThumbnailPath,
	}

	if take.FileSize != nil {
		result.FileSize = *take.FileSize
	}

	r.broadcast("", protocol.MustEnvelope(protocol.ServerTaskSuccess, protocol.TaskSuccess{
		TaskID: take.ID,
		NodeID: take.NodeID,
		Result: result,
	}))

	_, data, ok := r.shotNode(take.NodeID)
	if !ok || !owns(data, take.ID) {
		return
	}

	r.updateShot(take.NodeID, func(shot *models.ShotData) {
		shot.LatestTakeID = take.ID
		shot.Status = models.ShotStatusComplete
		shot.Progress = 100
		shot.Error = ""
	})
}

func (r *room) taskFailed(take *models.Take) {
	r.settled[take.ID] = struct{}{}

	r.broadcast("", protocol.MustEnvelope(protocol.ServerTaskFailed, protocol.TaskFailed{
		TaskID: take.ID,
		NodeID: take.NodeID,
		Error:  take.Error,
	}))

	_, data, ok := r.shotNode(take.NodeID)
	if !ok || !owns(data, take.ID) {
		return
	}

	r.updateShot(take.NodeID, func(shot *models.ShotData) {
		shot.LatestTakeID = take.ID
		shot.Status = models.ShotStatusFailed
		shot.Error = take.Error
	})
}

func (r *room) activeTakeChanged(change services.ActiveTakeChange) {
	_, data, ok := r.shotNode(change.NodeID)
	if !ok || data.ActiveTakeID == change.TakeID {
		return
	}

	r.updateShot(change.NodeID, func(shot *models.ShotData) {
		shot.ActiveTakeID = change.TakeID
	})
}

// snapshot returns a copy of the state when it has unsaved changes.
func (r *room) snapshot() (*models.ProjectState, bool) {
	if !r.dirty {
		return nil, false
	}

	state := r.state
	state.Graph = canvas.Clone(r.state.Graph)

	return &state, true
}

// saved marks the state clean unless it changed after version was saved.
func (r *room) saved(version uint64) {
	if r.state.Version == version {
		r.dirty = false
	}
}

// closeIfIdle stops the room when nobody is connected and nothing is unsaved.
func (r *room) closeIfIdle() bool {
	if len(r.members) > 0 || r.dirty {
		return false
	}

	r.closing = true

	return true
}

func (r *room) closeNow() {
	for _, sessionID := range r.order {
		metrics.HubSessions.Dec()

		r.members[sessionID].peer.Close()
	}

	r.members = map[string]*member{}
	r.order = nil
	r.closing = true
}
