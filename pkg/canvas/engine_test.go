package canvas

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/dukex/storyflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() EngineOption {
	next := 0

	return WithIDGenerator(func() string {
		next++

		return fmt.Sprintf("id-%d", next)
	})
}

func TestEngine_UndoRedoScenario(t *testing.T) {
	engine := NewEngine(sequentialIDs())

	n1 := engine.AddNode(NodeSpec{Type: models.NodeTypeShot, Position: models.Position{X: 100, Y: 100}})
	assert.Equal(t, "id-1", n1)
	assert.Equal(t, 1, engine.HistoryLen())
	assert.Equal(t, 0, engine.Cursor())

	require.True(t, engine.MoveNode(n1, models.Position{X: 140, Y: 100}))
	assert.Equal(t, 2, engine.HistoryLen())

	require.True(t, engine.Undo())

	node, ok := engine.Node(n1)
	require.True(t, ok)
	assert.Equal(t, models.Position{X: 100, Y: 100}, node.Position)
	assert.Equal(t, 2, engine.HistoryLen())
	assert.Equal(t, 0, engine.Cursor())

	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	assert.Equal(t, 2, engine.HistoryLen())
	assert.Equal(t, 1, engine.Cursor())
	assert.False(t, engine.CanRedo())

	node, _ = engine.Node(n1)
	assert.Equal(t, models.Position{X: 100, Y: 100}, node.Position)
}

func TestEngine_UndoRedoRoundTrip(t *testing.T) {
	for _, mutations := range []int{1, 2, 7, 25, 50} {
		t.Run(fmt.Sprintf("%d mutations", mutations), func(t *testing.T) {
			engine := NewEngine(sequentialIDs())

			var last string
			for i := range mutations {
				switch {
				case i%3 == 2 && last != "":
					engine.MoveNode(last, models.Position{X: float64(i), Y: float64(i * 2)})
				default:
					last = engine.AddNode(NodeSpec{Type: models.NodeTypePrompt, Position: models.Position{X: float64(i)}})
				}
			}

			for n := 0; n <= engine.HistoryLen(); n++ {
				before := engine.Graph()

				for range n {
					engine.Undo()
				}

				for range n {
					engine.Redo()
				}

				assert.True(t, Equal(before, engine.Graph()), "undo/redo %d times", n)
			}
		})
	}
}

func TestEngine_HistoryCap(t *testing.T) {
	engine := NewEngine(sequentialIDs())

	for i := range MaxHistory {
		engine.AddNode(NodeSpec{Type: models.NodeTypeScene, Position: models.Position{X: float64(i)}})
	}

	require.Equal(t, MaxHistory, engine.HistoryLen())
	require.Equal(t, MaxHistory-1, engine.Cursor())

	engine.AddNode(NodeSpec{Type: models.NodeTypeScene})

	assert.Equal(t, MaxHistory, engine.HistoryLen())
	assert.Equal(t, MaxHistory-1, engine.Cursor())

	// the oldest remaining snapshot now holds two nodes
	for engine.Undo() {
	}

	assert.Equal(t, 0, engine.Cursor())
	assert.Len(t, engine.Graph().Nodes, 2)
}

func TestEngine_UndoRedoBoundaries(t *testing.T) {
	engine := NewEngine()

	assert.False(t, engine.Undo())
	assert.False(t, engine.Redo())
	assert.Equal(t, -1, engine.Cursor())

	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	assert.False(t, engine.Undo())
	assert.False(t, engine.Redo())
	assert.Equal(t, 1, engine.HistoryLen())
}

func TestEngine_RemoveNodeCascadesEdges(t *testing.T) {
	engine := NewEngine(sequentialIDs())

	a := engine.AddNode(NodeSpec{Type: models.NodeTypePrompt})
	b := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	c := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.AddEdge(EdgeSpec{Source: a, Target: b})
	engine.AddEdge(EdgeSpec{Source: b, Target: c})
	kept := engine.AddEdge(EdgeSpec{Source: a, Target: c})

	require.True(t, engine.RemoveNode(b))

	g := engine.Graph()
	assert.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, kept, g.Edges[0].ID)

	require.True(t, engine.Undo())
	assert.Len(t, engine.Graph().Edges, 3)
}

func TestEngine_RemoveGroupDetachesChildren(t *testing.T) {
	engine := NewEngine(sequentialIDs())

	group := engine.AddNode(NodeSpec{Type: models.NodeTypeGroup})
	child := engine.AddNode(NodeSpec{Type: models.NodeTypeShot, ParentID: group})

	engine.RemoveNode(group)

	node, ok := engine.Node(child)
	require.True(t, ok)
	assert.Empty(t, node.ParentID)
}

func TestEngine_MissingTargetsAreNoOps(t *testing.T) {
	engine := NewEngine()
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	assert.False(t, engine.MoveNode("missing", models.Position{X: 1}))
	assert.False(t, engine.RemoveNode("missing"))
	assert.False(t, engine.RemoveEdge("missing"))
	assert.False(t, engine.UpdateEdge("missing", EdgePatch{}))

	ok, err := engine.UpdateNodeData("missing", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, engine.HistoryLen())
}

func TestEngine_UpdateNodeData(t *testing.T) {
	engine := NewEngine()
	id := engine.AddNode(NodeSpec{Type: models.NodeTypeShot, Data: models.ShotData{Title: "Opening", Prompt: "sunrise"}})

	ok, err := engine.UpdateNodeData(id, map[string]any{"title": "Opening, take two"})
	require.NoError(t, err)
	require.True(t, ok)

	node, _ := engine.Node(id)
	assert.Equal(t, models.ShotData{Title: "Opening, take two", Prompt: "sunrise"}, node.Data)
	assert.Equal(t, 2, engine.HistoryLen())

	_, err = engine.UpdateNodeData(id, map[string]any{"progress": "half"})
	require.Error(t, err)
	assert.Equal(t, 2, engine.HistoryLen())
}

func TestEngine_ViewportIsNotUndoable(t *testing.T) {
	engine := NewEngine()
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	viewport := models.Viewport{X: 10, Y: -20, Zoom: 1.5}
	engine.SetViewport(viewport)

	assert.Equal(t, 2, engine.HistoryLen())

	engine.Undo()

	assert.Equal(t, viewport, engine.Viewport())
	assert.Len(t, engine.Graph().Nodes, 1)
}

func TestEngine_ClearCanvasIsUndoable(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	a := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	b := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.AddEdge(EdgeSpec{Source: a, Target: b})

	before := engine.Graph()

	engine.ClearCanvas()

	assert.Empty(t, engine.Graph().Nodes)
	assert.Empty(t, engine.Graph().Edges)
	assert.Equal(t, 4, engine.HistoryLen())

	require.True(t, engine.Undo())
	assert.True(t, Equal(before, engine.Graph()))
}

func TestEngine_LoadResetsHistory(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	canonical := models.Graph{
		Nodes:    []models.Node{{ID: "remote", Type: models.NodeTypeScene, Data: models.SceneData{Title: "Act I"}}},
		Edges:    []models.Edge{},
		Viewport: models.Viewport{Zoom: 2},
	}

	engine.Load(canonical)

	assert.True(t, Equal(canonical, engine.Graph()))
	assert.Equal(t, 1, engine.HistoryLen())
	assert.Equal(t, 0, engine.Cursor())
	assert.False(t, engine.Undo(), "the loaded graph is the oldest state")

	engine.MoveNode("remote", models.Position{X: 40, Y: 40})
	require.True(t, engine.Undo())
	assert.True(t, Equal(canonical, engine.Graph()))

	require.True(t, engine.Redo())

	node, ok := engine.Node("remote")
	require.True(t, ok)
	assert.Equal(t, models.Position{X: 40, Y: 40}, node.Position)
}

func TestEngine_ApplyRemoteDoesNotPush(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	remote := models.Node{ID: "remote", Type: models.NodeTypePrompt, Data: models.PromptData{Text: "fog"}}
	engine.ApplyRemote(PutNodeOp(remote))

	assert.Equal(t, 2, engine.HistoryLen())

	_, ok := engine.Node("remote")
	assert.True(t, ok)

	engine.Undo()
	engine.Redo()

	_, ok = engine.Node("remote")
	assert.True(t, ok, "redo returns to the rewritten snapshot")
}

func TestEngine_UndoKeepsRemoteNode(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	id := engine.AddNode(NodeSpec{Type: models.NodeTypeShot, Position: models.Position{X: 100, Y: 100}})
	engine.MoveNode(id, models.Position{X: 140, Y: 100})

	engine.ApplyRemote(PutNodeOp(models.Node{ID: "from-bob", Type: models.NodeTypePrompt, Data: models.PromptData{Text: "fog"}}))

	before := engine.Graph()
	require.True(t, engine.Undo())

	_, ok := engine.Node("from-bob")
	assert.True(t, ok, "undo only reverts local changes")

	ops := Diff(before, engine.Graph())
	require.Len(t, ops, 1)
	assert.Equal(t, OpPutNode, ops[0].Kind)
	assert.Equal(t, id, ops[0].NodeID)
	assert.Equal(t, models.Position{X: 100, Y: 100}, ops[0].Node.Position)

	require.True(t, engine.Redo())

	_, ok = engine.Node("from-bob")
	assert.True(t, ok)
}

func TestEngine_UndoKeepsRemoteDataOfLocalNode(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	id := engine.AddNode(NodeSpec{Type: models.NodeTypeShot, Position: models.Position{X: 100, Y: 100}})
	engine.MoveNode(id, models.Position{X: 140, Y: 100})

	engine.ApplyRemote(NodeDataOp(id, models.ShotData{Title: "Bob's title"}))

	require.True(t, engine.Undo())

	node, ok := engine.Node(id)
	require.True(t, ok)
	assert.Equal(t, models.Position{X: 100, Y: 100}, node.Position)
	assert.Equal(t, models.ShotData{Title: "Bob's title"}, node.Data)
}

func TestEngine_RedoDoesNotResurrectRemoteRemoval(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	first := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	second := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})

	engine.ApplyRemote(RemoveNodeOp(first))

	require.True(t, engine.Undo())

	_, ok := engine.Node(first)
	assert.False(t, ok)
	_, ok = engine.Node(second)
	assert.False(t, ok)

	require.True(t, engine.Redo())

	_, ok = engine.Node(first)
	assert.False(t, ok)
	_, ok = engine.Node(second)
	assert.True(t, ok)
}

func TestEngine_RemoteEdgeFollowsLocalNode(t *testing.T) {
	engine := NewEngine(sequentialIDs())
	engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.ApplyRemote(PutNodeOp(models.Node{ID: "r1", Type: models.NodeTypeScene, Data: models.SceneData{}}))
	local := engine.AddNode(NodeSpec{Type: models.NodeTypeShot})
	engine.ApplyRemote(PutEdgeOp(models.Edge{ID: "e-bob", Source: "r1", Target: local}))

	require.True(t, engine.Undo())

	_, ok := engine.Node(local)
	assert.False(t, ok)
	_, ok = engine.Edge("e-bob")
	assert.False(t, ok, "edges lose their endpoint with the node")
	_, ok = engine.Node("r1")
	assert.True(t, ok)

	require.True(t, engine.Redo())

	_, ok = engine.Edge("e-bob")
	assert.True(t, ok)
}

func TestEngine_UndoRedoNeverTouchesRemoteEntities(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(seed, seed))
			engine := NewEngine(sequentialIDs())

			// remote holds the nodes another user owns, as the server sees them.
			remote := map[string]models.Position{}
			remoteCount := 0

			pick := func(ids []string) string {
				return ids[rng.IntN(len(ids))]
			}

			localIDs := func() []string {
				ids := []string{}

				for _, node := range engine.Graph().Nodes {
					if !strings.HasPrefix(node.ID, "r-") {
						ids = append(ids, node.ID)
					}
				}

				return ids
			}

			for step := 0; step < 200; step++ {
				before := engine.Graph()
				undoing := false

				switch rng.IntN(9) {
				case 0:
					engine.AddNode(NodeSpec{Type: models.NodeTypeShot, Position: models.Position{X: float64(step)}})
				case 1:
					if ids := localIDs(); len(ids) > 0 {
						engine.MoveNode(pick(ids), models.Position{X: float64(step), Y: 1})
					}
				case 2:
					if ids := localIDs(); len(ids) > 0 {
						engine.RemoveNode(pick(ids))
					}
				case 3:
					if ids := localIDs(); len(ids) > 1 {
						engine.AddEdge(EdgeSpec{Source: pick(ids), Target: pick(ids)})
					}
				case 4:
					undoing = engine.Undo()
				case 5:
					undoing = engine.Redo()
				case 6:
					remoteCount++
					id := fmt.Sprintf("r-%d", remoteCount)
					remote[id] = models.Position{X: float64(step)}
					engine.ApplyRemote(PutNodeOp(models.Node{ID: id, Type: models.NodeTypeScene, Data: models.SceneData{}, Position: remote[id]}))
				case 7:
					for id := range remote {
						remote[id] = models.Position{Y: float64(step)}
						engine.ApplyRemote(PutNodeOp(models.Node{ID: id, Type: models.NodeTypeScene, Data: models.SceneData{}, Position: remote[id]}))

						break
					}
				case 8:
					for id := range remote {
						delete(remote, id)
						engine.ApplyRemote(RemoveNodeOp(id))

						break
					}
				}

				if undoing {
					for _, op := range Diff(before, engine.Graph()) {
						assert.False(t, strings.HasPrefix(op.NodeID, "r-"), "step %d sent %s for %s", step, op.Kind, op.NodeID)
					}
				}

				for id, position := range remote {
					node, ok := engine.Node(id)
					if assert.True(t, ok, "step %d lost %s", step, id) {
						assert.Equal(t, position, node.Position)
					}
				}

				for _, node := range engine.Graph().Nodes {
					if strings.HasPrefix(node.ID, "r-") {
						_, ok := remote[node.ID]
						assert.True(t, ok, "step %d resurrected %s", step, node.ID)
					}
				}
			}
		})
	}
}
