package canvas

import (
	"reflect"

	"github.com/dukex/storyflow/pkg/models"
)

type OpKind string

const (
	OpPutNode     OpKind = "put_node"
	OpNodeData    OpKind = "node_data"
	OpRemoveNode  OpKind = "remove_node"
	OpPutEdge     OpKind = "put_edge"
	OpRemoveEdge  OpKind = "remove_edge"
	OpSetViewport OpKind = "set_viewport"
)

// Op is a single structural change between two graphs.
type Op struct {
	Kind     OpKind
	Node     models.Node
	NodeID   string
	Data     models.NodeData
	Edge     models.Edge
	EdgeID   string
	Viewport models.Viewport
}

func PutNodeOp(node models.Node) Op {
	return Op{Kind: OpPutNode, Node: node, NodeID: node.ID}
}

func NodeDataOp(nodeID string, data models.NodeData) Op {
	return Op{Kind: OpNodeData, NodeID: nodeID, Data: data}
}

func RemoveNodeOp(nodeID string) Op {
	return Op{Kind: OpRemoveNode, NodeID: nodeID}
}

func PutEdgeOp(edge models.Edge) Op {
	return Op{Kind: OpPutEdge, Edge: edge, EdgeID: edge.ID}
}

func RemoveEdgeOp(edgeID string) Op {
	return Op{Kind: OpRemoveEdge, EdgeID: edgeID}
}

func ViewportOp(viewport models.Viewport) Op {
	return Op{Kind: OpSetViewport, Viewport: viewport}
}

// Apply returns g with op applied. Ops on missing nodes or edges are ignored.
func Apply(g models.Graph, op Op) models.Graph {
	switch op.Kind {
	case OpPutNode:
		return PutNode(g, op.Node)
	case OpNodeData:
		node, ok := g.Node(op.NodeID)
		if !ok {
			return g
		}

		node.Data = op.Data

		return PutNode(g, node)
	case OpRemoveNode:
		next, _, _ := DeleteNode(g, op.NodeID)

		return next
	case OpPutEdge:
		return PutEdge(g, op.Edge)
	case OpRemoveEdge:
		next, _ := DeleteEdge(g, op.EdgeID)

		return next
	case OpSetViewport:
		next := Clone(g)
		next.Viewport = op.Viewport

		return next
	}

	return g
}

// Diff lists the ops that turn before into after. Edge removals come first and
// edge insertions last, so every op is valid against the graph produced by the
// ops before it.
func Diff(before, after models.Graph) []Op {
	ops := []Op{}

	for _, edge := range before.Edges {
		if _, ok := after.Edge(edge.ID); !ok {
			ops = append(ops, RemoveEdgeOp(edge.ID))
		}
	}

	for _, node := range before.Nodes {
		if _, ok := after.Node(node.ID); !ok {
			ops = append(ops, RemoveNodeOp(node.ID))
		}
	}

	for _, node := range after.Nodes {
		previous, ok := before.Node(node.ID)

		switch {
		case !ok:
			ops = append(ops, PutNodeOp(node))
		case reflect.DeepEqual(previous, node):
		case onlyDataChanged(previous, node):
			ops = append(ops, NodeDataOp(node.ID, node.Data))
		default:
			ops = append(ops, PutNodeOp(node))
		}
	}

	for _, edge := range after.Edges {
		previous, ok := before.Edge(edge.ID)
		if !ok || !reflect.DeepEqual(previous, edge) {
			ops = append(ops, PutEdgeOp(edge))
		}
	}

	if before.Viewport != after.Viewport {
		ops = append(ops, ViewportOp(after.Viewport))
	}

	return ops
}

func onlyDataChanged(a, b models.Node) bool {
	a.Data = nil
	b.Data = nil

	return reflect.DeepEqual(a, b)
}
