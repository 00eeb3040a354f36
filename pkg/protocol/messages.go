// Package protocol defines the messages exchanged over a project sync channel.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/dukex/storyflow/pkg/models"
)

type MessageType string

// Client to server.
const (
	ClientUpdateNodeData  MessageType = "client:update_node_data"
	ClientUpsertNode      MessageType = "client:upsert_node"
	ClientRemoveNode      MessageType = "client:remove_node"
	ClientUpsertEdge      MessageType = "client:upsert_edge"
	ClientRemoveEdge      MessageType = "client:remove_edge"
	ClientSetViewport     MessageType = "client:set_viewport"
	ClientCursor          MessageType = "client:cursor"
	ClientStartGeneration MessageType = "client:start_generation"
	ClientSyncRequest     MessageType = "client:sync_request"
)

// Server to client.
const (
	ServerNodeStateUpdated MessageType = "server:node_state_updated"
	ServerNodeUpserted     MessageType = "server:node_upserted"
	ServerNodeRemoved      MessageType = "server:node_removed"
	ServerEdgeUpserted     MessageType = "server:edge_upserted"
	ServerEdgeRemoved      MessageType = "server:edge_removed"
	ServerViewportUpdated  MessageType = "server:viewport_updated"
	ServerPresence         MessageType = "server:presence"
	ServerTaskProgress     MessageType = "server:task_progress"
	ServerTaskSuccess      MessageType = "server:task_success"
	ServerTaskFailed       MessageType = "server:task_failed"
	ServerFullSync         MessageType = "server:full_sync"
	ServerError            MessageType = "server:error"
)

func (t MessageType) IsClient() bool {
	return strings.HasPrefix(string(t), "client:")
}

func (t MessageType) IsServer() bool {
	return strings.HasPrefix(string(t), "server:")
}

// Envelope wraps every message on the wire. Ref is chosen by the client and
// echoed on errors; Version is the project version after the change.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type UpdateNodeData struct {
	NodeID string         `json:"node_id"`
	Data   map[string]any `json:"data"`
}

type UpsertNode struct {
	Node models.Node `json:"node"`
}

type RemoveNode struct {
	NodeID string `json:"node_id"`
}

type UpsertEdge struct {
	Edge models.Edge `json:"edge"`
}

type RemoveEdge struct {
	EdgeID string `json:"edge_id"`
}

type SetViewport struct {
	Viewport models.Viewport `json:"viewport"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type StartGeneration struct {
	NodeID  string         `json:"node_id"`
	Params  map[string]any `json:"params,omitempty"`
	Quality string         `json:"quality,omitempty"`
}

type SyncRequest struct{}

// NodeStateUpdated carries the complete data payload of a node after a merge.
type NodeStateUpdated struct {
	NodeID string          `json:"node_id"`
	State  json.RawMessage `json:"state"`
}

type NodeUpserted struct {
	Node models.Node `json:"node"`
}

type NodeRemoved struct {
	NodeID  string   `json:"node_id"`
	EdgeIDs []string `json:"edge_ids"`
}

type EdgeUpserted struct {
	Edge models.Edge `json:"edge"`
}

type EdgeRemoved struct {
	EdgeID string `json:"edge_id"`
}

type ViewportUpdated struct {
	Viewport models.Viewport `json:"viewport"`
}

type Presence struct {
	Sessions []models.CollaborationSession `json:"sessions"`
}

// TaskProgress reports a running generation. TaskID is the take id.
type TaskProgress struct {
	TaskID   string `json:"task_id"`
	NodeID   string `json:"node_id"`
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}

type TaskResult struct {
	TakeID        string `json:"take_id"`
	FilePath      string `json:"file_path"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	FileSize      int64  `json:"file_size"`
}

type TaskSuccess struct {
	TaskID string     `json:"task_id"`
	NodeID string     `json:"node_id"`
	Result TaskResult `json:"result"`
}

type TaskFailed struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

type FullSync struct {
	Graph models.Graph `json:"graph"`
}

// Error codes sent with server:error.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeNodeNotFound     = "node_not_found"
	CodeEdgeNotFound     = "edge_not_found"
	CodeInvalidNode      = "invalid_node"
	CodeInvalidEdge      = "invalid_edge"
	CodeInvalidData      = "invalid_data"
	CodeGenerationFailed = "generation_failed"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
