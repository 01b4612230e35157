package notifications

import (
	"slices"

	"gizchat/internal/models"
)

// Registry holds the conversations one connection has joined. It belongs to
// a single session and is not safe for concurrent use.
type Registry struct {
	rooms map[uint]*models.Conversation
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[uint]*models.Conversation)}
}

// Join registers conv, replacing any earlier copy.
func (r *Registry) Join(conv *models.Conversation) {
	r.rooms[conv.ID] = conv
}

// Leave unregisters the conversation and reports whether it was joined.
func (r *Registry) Leave(id uint) bool {
	if _, ok := r.rooms[id]; !ok {
		return false
	}
	delete(r.rooms, id)
	return true
}

func (r *Registry) Contains(id uint) (*models.Conversation, bool) {
	conv, ok := r.rooms[id]
	return conv, ok
}

// IDs returns the joined conversation ids in ascending order.
func (r *Registry) IDs() []uint {
	ids := make([]uint, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	return len(r.rooms)
}
