package canvas

import (
	"slices"

	"github.com/dukex/storyflow/pkg/models"
)

// MaxHistory is the number of snapshots kept for undo/redo.
const MaxHistory = 50

// Snapshot is one immutable recorded state of the graph.
type Snapshot struct {
	graph models.Graph
}

func newSnapshot(g models.Graph) *Snapshot {
	return &Snapshot{graph: Clone(g)}
}

// Graph returns a copy of the recorded graph.
func (s *Snapshot) Graph() models.Graph {
	return Clone(s.graph)
}

// History is a linear undo/redo arena of snapshots with a cursor.
// An empty history has cursor -1.
type History struct {
	snapshots []*Snapshot
	cursor    int
	limit     int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = MaxHistory
	}

	return &History{cursor: -1, limit: limit}
}

func (h *History) Len() int {
	return len(h.snapshots)
}

func (h *History) Cursor() int {
	return h.cursor
}

// Push drops every snapshot after the cursor, appends g and trims the oldest
// entries past the limit.
func (h *History) Push(g models.Graph) {
	h.snapshots = append(h.snapshots[:h.cursor+1], newSnapshot(g))
	h.cursor = len(h.snapshots) - 1

	if overflow := len(h.snapshots) - h.limit; overflow > 0 {
		h.snapshots = slices.Delete(h.snapshots, 0, overflow)
		h.cursor -= overflow
	}
}

func (h *History) Undo() (*Snapshot, bool) {
	if h.cursor <= 0 {
		return nil, false
	}

	h.cursor--

	return h.snapshots[h.cursor], true
}

func (h *History) Redo() (*Snapshot, bool) {
	if h.cursor < 0 || h.cursor >= len(h.snapshots)-1 {
		return nil, false
	}

	h.cursor++

	return h.snapshots[h.cursor], true
}

// Replace swaps the snapshot under the cursor for g without moving it.
func (h *History) Replace(g models.Graph) {
	if h.cursor < 0 {
		return
	}

	h.snapshots[h.cursor] = newSnapshot(g)
}

// Rewrite replaces every snapshot with fn applied to its graph. The cursor
// does not move.
func (h *History) Rewrite(fn func(models.Graph) models.Graph) {
	for i, snapshot := range h.snapshots {
		h.snapshots[i] = newSnapshot(fn(snapshot.graph))
	}
}

func (h *History) Reset() {
	h.snapshots = nil
	h.cursor = -1
}

func (h *History) CanUndo() bool {
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	return h.cursor >= 0 && h.cursor < len(h.snapshots)-1
}
