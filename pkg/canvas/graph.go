// Package canvas implements the graph state engine: copy-on-write graph
// operations, a bounded snapshot history and structural diffs.
package canvas

import (
	"reflect"
	"slices"

	"github.com/dukex/storyflow/pkg/models"
)

// Clone returns a graph whose node and edge slices can be modified without
// touching g. Node data values are shared; they are never mutated in place.
func Clone(g models.Graph) models.Graph {
	nodes := make([]models.Node, len(g.Nodes))
	copy(nodes, g.Nodes)

	edges := make([]models.Edge, len(g.Edges))
	copy(edges, g.Edges)

	return models.Graph{Nodes: nodes, Edges: edges, Viewport: g.Viewport}
}

// PutNode inserts node, or replaces the node with the same id in place.
func PutNode(g models.Graph, node models.Node) models.Graph {
	next := Clone(g)

	index := slices.IndexFunc(next.Nodes, func(n models.Node) bool { return n.ID == node.ID })
	if index < 0 {
		next.Nodes = append(next.Nodes, node)
	} else {
		next.Nodes[index] = node
	}

	return next
}

// DeleteNode removes a node, every edge touching it, and the parent link of
// its children. It returns the ids of the removed edges.
func DeleteNode(g models.Graph, id string) (models.Graph, []string, bool) {
	if _, ok := g.Node(id); !ok {
		return g, nil, false
	}

	next := models.Graph{
		Nodes:    make([]models.Node, 0, len(g.Nodes)-1),
		Edges:    make([]models.Edge, 0, len(g.Edges)),
		Viewport: g.Viewport,
	}

	for _, node := range g.Nodes {
		if node.ID == id {
			continue
		}

		if node.ParentID == id {
			node.ParentID = ""
		}

		next.Nodes = append(next.Nodes, node)
	}

	removed := []string{}

	for _, edge := range g.Edges {
		if edge.Source == id || edge.Target == id {
			removed = append(removed, edge.ID)

			continue
		}

		next.Edges = append(next.Edges, edge)
	}

	return next, removed, true
}

// PutEdge inserts edge, or replaces the edge with the same id in place.
func PutEdge(g models.Graph, edge models.Edge) models.Graph {
	next := Clone(g)

	index := slices.IndexFunc(next.Edges, func(e models.Edge) bool { return e.ID == edge.ID })
	if index < 0 {
		next.Edges = append(next.Edges, edge)
	} else {
		next.Edges[index] = edge
	}

	return next
}

func DeleteEdge(g models.Graph, id string) (models.Graph, bool) {
	if _, ok := g.Edge(id); !ok {
		return g, false
	}

	next := Clone(g)
	next.Edges = slices.DeleteFunc(next.Edges, func(e models.Edge) bool { return e.ID == id })

	return next, true
}

// Equal reports whether two graphs hold the same nodes, edges and viewport.
func Equal(a, b models.Graph) bool {
	return a.Viewport == b.Viewport && SameContent(a, b)
}

// SameContent compares nodes and edges, ignoring the viewport.
func SameContent(a, b models.Graph) bool {
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}

	for i := range a.Nodes {
		if !reflect.DeepEqual(a.Nodes[i], b.Nodes[i]) {
			return false
		}
	}

	for i := range a.Edges {
		if !reflect.DeepEqual(a.Edges[i], b.Edges[i]) {
			return false
		}
	}

	return true
}
