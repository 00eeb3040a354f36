package client

import (
	"fmt"
	"reflect"

	"github.com/dukex/storyflow/pkg/canvas"
	"github.com/dukex/storyflow/pkg/models"
	"github.com/dukex/storyflow/pkg/protocol"
)

// DataPatch lists the fields of after that differ from before. Fields
// missing from after are set to nil so the server drops them.
func DataPatch(before, after models.NodeData) (map[string]any, error) {
	previous, err := models.NodeDataFields(before)
	if err != nil {
		return nil, err
	}

	next, err := models.NodeDataFields(after)
	if err != nil {
		return nil, err
	}

	patch := map[string]any{}

	for key, value := range next {
		if old, ok := previous[key]; !ok || !reflect.DeepEqual(old, value) {
			patch[key] = value
		}
	}

	for key := range previous {
		if _, ok := next[key]; !ok {
			patch[key] = nil
		}
	}

	return patch, nil
}

// encodeOp turns a local change into the client message that replays it on
// the server. before is the graph the op was computed against.
func encodeOp(before models.Graph, op canvas.Op) (protocol.Envelope, error) {
	switch op.Kind {
	case canvas.OpPutNode:
		return protocol.NewEnvelope(protocol.ClientUpsertNode, protocol.UpsertNode{Node: op.Node})
	case canvas.OpNodeData:
		var current models.NodeData
		if node, ok := before.Node(op.NodeID); ok {
			current = node.Data
		}

		patch, err := DataPatch(current, op.Data)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("failed to diff data of node %s: %w", op.NodeID, err)
		}

		return protocol.NewEnvelope(protocol.ClientUpdateNodeData, protocol.UpdateNodeData{NodeID: op.NodeID, Data: patch})
	case canvas.OpRemoveNode:
		return protocol.NewEnvelope(protocol.ClientRemoveNode, protocol.RemoveNode{NodeID: op.NodeID})
	case canvas.OpPutEdge:
		return protocol.NewEnvelope(protocol.ClientUpsertEdge, protocol.UpsertEdge{Edge: op.Edge})
	case canvas.OpRemoveEdge:
		return protocol.NewEnvelope(protocol.ClientRemoveEdge, protocol.RemoveEdge{EdgeID: op.EdgeID})
	case canvas.OpSetViewport:
		return protocol.NewEnvelope(protocol.ClientSetViewport, protocol.SetViewport{Viewport: op.Viewport})
	}

	return protocol.Envelope{}, fmt.Errorf("unsupported op %q", op.Kind)
}

// decodeBroadcast turns a server broadcast into the op it describes. ok is
// false for messages that do not change the graph.
func decodeBroadcast(g models.Graph, envelope protocol.Envelope) (canvas.Op, bool, error) {
	switch envelope.Type {
	case protocol.ServerNodeStateUpdated:
		var msg protocol.NodeStateUpdated
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		node, ok := g.Node(msg.NodeID)
		if !ok {
			return canvas.Op{}, false, fmt.Errorf("node %s not found", msg.NodeID)
		}

		data, err := models.DecodeNodeData(node.Type, msg.State)
		if err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.NodeDataOp(msg.NodeID, data), true, nil
	case protocol.ServerNodeUpserted:
		var msg protocol.NodeUpserted
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.PutNodeOp(msg.Node), true, nil
	case protocol.ServerNodeRemoved:
		var msg protocol.NodeRemoved
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.RemoveNodeOp(msg.NodeID), true, nil
	case protocol.ServerEdgeUpserted:
		var msg protocol.EdgeUpserted
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.PutEdgeOp(msg.Edge), true, nil
	case protocol.ServerEdgeRemoved:
		var msg protocol.EdgeRemoved
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.RemoveEdgeOp(msg.EdgeID), true, nil
	case protocol.ServerViewportUpdated:
		var msg protocol.ViewportUpdated
		if err := envelope.Decode(&msg); err != nil {
			return canvas.Op{}, false, err
		}

		return canvas.ViewportOp(msg.Viewport), true, nil
	}

	return canvas.Op{}, false, nil
}
