package canvas

import (
	"fmt"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/google/uuid"
)

// NodeSpec describes a node to add. A nil Data gets the zero payload of Type.
type NodeSpec struct {
	Type     string
	Position models.Position
	Data     models.NodeData
	ParentID string
}

// NodePatch lists the node fields to replace. Nil fields are kept.
type NodePatch struct {
	Position *models.Position
	Data     models.NodeData
	ParentID *string
	Selected *bool
	Dragging *bool
}

type EdgeSpec struct {
	Source string
	Target string
	Type   string
	Data   map[string]any
}

type EdgePatch struct {
	Source *string
	Target *string
	Type   *string
	Data   map[string]any
}

// Engine holds one project graph and its undo/redo history. It is not safe
// for concurrent use; callers own it from a single goroutine.
type Engine struct {
	current models.Graph
	history *History
	newID   func() string
}

type EngineOption func(*Engine)

// WithIDGenerator replaces the uuid generator used for new nodes and edges.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithHistoryLimit overrides MaxHistory.
func WithHistoryLimit(limit int) EngineOption {
	return func(e *Engine) {
		e.history = NewHistory(limit)
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		current: models.NewGraph(),
		history: NewHistory(MaxHistory),
		newID:   uuid.NewString,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Graph returns a copy of the present graph.
func (e *Engine) Graph() models.Graph {
	return Clone(e.current)
}

func (e *Engine) Node(id string) (models.Node, bool) {
	return e.current.Node(id)
}

func (e *Engine) Edge(id string) (models.Edge, bool) {
	return e.current.Edge(id)
}

func (e *Engine) Viewport() models.Viewport {
	return e.current.Viewport
}

func (e *Engine) HistoryLen() int {
	return e.history.Len()
}

func (e *Engine) Cursor() int {
	return e.history.Cursor()
}

func (e *Engine) CanUndo() bool {
	return e.history.CanUndo()
}

func (e *Engine) CanRedo() bool {
	return e.history.CanRedo()
}

func (e *Engine) commit(next models.Graph) {
	e.current = next
	e.history.Push(next)
}

func (e *Engine) AddNode(spec NodeSpec) string {
	data := spec.Data
	if data == nil {
		// decoding an empty payload never fails
		data, _ = models.DecodeNodeData(spec.Type, nil)
	}

	node := models.Node{
		ID:       e.newID(),
		Type:     spec.Type,
		Position: spec.Position,
		Data:     data,
		ParentID: spec.ParentID,
	}

	e.commit(PutNode(e.current, node))

	return node.ID
}

// UpdateNode applies patch to the node and reports whether it existed.
func (e *Engine) UpdateNode(id string, patch NodePatch) bool {
	node, ok := e.current.Node(id)
	if !ok {
		return false
	}

	if patch.Position != nil {
		node.Position = *patch.Position
	}

	if patch.Data != nil {
		node.Data = patch.Data
	}

	if patch.ParentID != nil {
		node.ParentID = *patch.ParentID
	}

	if patch.Selected != nil {
		node.Selected = *patch.Selected
	}

	if patch.Dragging != nil {
		node.Dragging = *patch.Dragging
	}

	e.commit(PutNode(e.current, node))

	return true
}

// MoveNode is UpdateNode for the position only.
func (e *Engine) MoveNode(id string, position models.Position) bool {
	return e.UpdateNode(id, NodePatch{Position: &position})
}

// UpdateNodeData merges fields into the node payload.
func (e *Engine) UpdateNodeData(id string, fields map[string]any) (bool, error) {
	node, ok := e.current.Node(id)
	if !ok {
		return false, nil
	}

	data, err := models.MergeNodeData(node.Type, node.Data, fields)
	if err != nil {
		return false, fmt.Errorf("node %s: %w", id, err)
	}

	node.Data = data
	e.commit(PutNode(e.current, node))

	return true, nil
}

func (e *Engine) RemoveNode(id string) bool {
	next, _, ok := DeleteNode(e.current, id)
	if !ok {
		return false
	}

	e.commit(next)

	return true
}

func (e *Engine) AddEdge(spec EdgeSpec) string {
	edge := models.Edge{
		ID:     e.newID(),
		Source: spec.Source,
		Target: spec.Target,
		Type:   spec.Type,
		Data:   spec.Data,
	}

	e.commit(PutEdge(e.current, edge))

	return edge.ID
}

func (e *Engine) UpdateEdge(id string, patch EdgePatch) bool {
	edge, ok := e.current.Edge(id)
	if !ok {
		return false
	}

	if patch.Source != nil {
		edge.Source = *patch.Source
	}

	if patch.Target != nil {
		edge.Target = *patch.Target
	}

	if patch.Type != nil {
		edge.Type = *patch.Type
	}

	if patch.Data != nil {
		edge.Data = patch.Data
	}

	e.commit(PutEdge(e.current, edge))

	return true
}

func (e *Engine) RemoveEdge(id string) bool {
	next, ok := DeleteEdge(e.current, id)
	if !ok {
		return false
	}

	e.commit(next)

	return true
}

// SetViewport replaces the viewport. Viewport changes are not undoable.
func (e *Engine) SetViewport(viewport models.Viewport) {
	e.current = Apply(e.current, ViewportOp(viewport))
}

// ClearCanvas removes every node and edge as a single undoable step.
func (e *Engine) ClearCanvas() {
	e.commit(models.Graph{
		Nodes:    []models.Node{},
		Edges:    []models.Edge{},
		Viewport: e.current.Viewport,
	})
}

// Undo restores the nodes and edges of the previous snapshot. The viewport
// stays where it is.
func (e *Engine) Undo() bool {
	snapshot, ok := e.history.Undo()
	if !ok {
		return false
	}

	e.restore(snapshot)

	return true
}

func (e *Engine) Redo() bool {
	snapshot, ok := e.history.Redo()
	if !ok {
		return false
	}

	e.restore(snapshot)

	return true
}

func (e *Engine) restore(snapshot *Snapshot) {
	next := snapshot.Graph()
	next.Viewport = e.current.Viewport
	e.current = next
}

// Load replaces the whole graph. The history restarts with g as its only
// snapshot, so the first edit after a load can be undone back to it.
func (e *Engine) Load(g models.Graph) {
	e.current = Clone(g)
	e.history.Reset()
	e.history.Push(e.current)
}

// ApplyRemote applies a change made elsewhere. It is not recorded as an undo
// step. The change is replayed into every retained snapshot, so undo and redo
// only move the local user's own changes.
func (e *Engine) ApplyRemote(op Op) {
	if op.Kind == OpSetViewport {
		e.current = Apply(e.current, op)

		return
	}

	fresh := !e.contains(op)
	e.current = Apply(e.current, op)
	e.history.Rewrite(func(g models.Graph) models.Graph {
		return rebase(g, op, fresh)
	})
}

// contains reports whether the entity op targets exists in the present graph.
func (e *Engine) contains(op Op) bool {
	switch op.Kind {
	case OpPutNode, OpNodeData, OpRemoveNode:
		_, ok := e.current.Node(op.NodeID)

		return ok
	case OpPutEdge, OpRemoveEdge:
		_, ok := e.current.Edge(op.EdgeID)

		return ok
	}

	return false
}

// rebase applies a remote op to a history snapshot. An entity the op creates
// is added to every snapshot; an update only touches snapshots that hold the
// entity. References to nodes a snapshot does not hold are dropped the same
// way DeleteNode drops them.
func rebase(g models.Graph, op Op, fresh bool) models.Graph {
	switch op.Kind {
	case OpPutNode:
		if _, ok := g.Node(op.NodeID); !ok && !fresh {
			return g
		}

		node := op.Node
		if _, ok := g.Node(node.ParentID); node.ParentID != "" && !ok {
			node.ParentID = ""
		}

		return PutNode(g, node)
	case OpPutEdge:
		if _, ok := g.Edge(op.EdgeID); !ok && !fresh {
			return g
		}

		_, hasSource := g.Node(op.Edge.Source)
		_, hasTarget := g.Node(op.Edge.Target)

		if !hasSource || !hasTarget {
			next, _ := DeleteEdge(g, op.EdgeID)

			return next
		}

		return PutEdge(g, op.Edge)
	}

	return Apply(g, op)
}
