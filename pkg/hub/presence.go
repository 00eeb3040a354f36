package hub

import (
	"hash/fnv"
	"slices"

	"github.com/dukex/storyflow/pkg/models"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
}

// pickColor returns the first palette color not in use, or a color derived
// from sessionID when all are taken.
func pickColor(sessionID string, used []string) string {
	for _, color := range palette {
		if !slices.Contains(used, color) {
			return color
		}
	}

	hash := fnv.New32a()
	_, _ = hash.Write([]byte(sessionID))

	return palette[hash.Sum32()%uint32(len(palette))]
}

func (r *room) presence() []models.CollaborationSession {
	sessions := make([]models.CollaborationSession, 0, len(r.order))
	for _, sessionID := range r.order {
		sessions = append(sessions, r.members[sessionID].session)
	}

	return sessions
}
