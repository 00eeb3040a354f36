// Package models defines the canvas graph, take and collaboration models.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of a project canvas. Data is decoded according to Type.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
	ParentID string   `json:"parentId,omitempty"`
	Selected bool     `json:"selected"`
	Dragging bool     `json:"dragging"`
}

type nodeJSON struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
	ParentID string          `json:"parentId,omitempty"`
	Selected bool            `json:"selected"`
	Dragging bool            `json:"dragging"`
}

func (n *Node) UnmarshalJSON(body []byte) error {
	var wire nodeJSON

	err := json.Unmarshal(body, &wire)
	if err != nil {
		return err
	}

	data, err := DecodeNodeData(wire.Type, wire.Data)
	if err != nil {
		return fmt.Errorf("node %s: %w", wire.ID, err)
	}

	*n = Node{
		ID:       wire.ID,
		Type:     wire.Type,
		Position: wire.Position,
		Data:     data,
		ParentID: wire.ParentID,
		Selected: wire.Selected,
		Dragging: wire.Dragging,
	}

	return nil
}

// Edge connects two nodes of the same graph.
type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Viewport is the pan/zoom state of a canvas.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// DefaultViewport is the viewport of an empty canvas.
var DefaultViewport = Viewport{Zoom: 1}

// Graph is a complete canvas: nodes, edges and viewport.
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

// NewGraph returns an empty graph with the default viewport.
func NewGraph() Graph {
	return Graph{
		Nodes:    []Node{},
		Edges:    []Edge{},
		Viewport: DefaultViewport,
	}
}

func (g Graph) Node(id string) (Node, bool) {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return Node{}, false
}

func (g Graph) Edge(id string) (Edge, bool) {
	for _, edge := range g.Edges {
		if edge.ID == id {
			return edge, true
		}
	}

	return Edge{}, false
}

// ProjectState is the canonical server copy of a project canvas.
type ProjectState struct {
	ProjectID string    `json:"project_id"`
	Graph     Graph     `json:"graph"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
