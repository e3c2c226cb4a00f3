package realtime

import (
	"sync"

	"roamlist/api/internal/logger"
)

// Subscriber is one live connection's outbound queue.
type Subscriber struct {
	ID       string
	UserID   string
	Outbound chan Event

	group string
}

// Hub tracks which subscribers are joined to which group room. A subscriber is in
// at most one room at a time.
type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	buffer int
	rooms  map[string]map[*Subscriber]struct{}
}

func NewHub(log *logger.Logger, buffer int) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:    log.With("component", "hub"),
		buffer: buffer,
		rooms:  make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) NewSubscriber(id, userID string) *Subscriber {
	return &Subscriber{
		ID:       id,
		UserID:   userID,
		Outbound: make(chan Event, h.buffer),
	}
}

// Join moves sub into groupID's room, leaving any previous room.
func (h *Hub) Join(sub *Subscriber, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(sub)
	room, ok := h.rooms[groupID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[groupID] = room
	}
	room[sub] = struct{}{}
	sub.group = groupID
	h.log.Debug("subscriber joined", "connId", sub.ID, "groupId", groupID)
}

func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub)
}

func (h *Hub) leaveLocked(sub *Subscriber) {
	if sub.group == "" {
		return
	}
	if room, ok := h.rooms[sub.group]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.group)
		}
	}
	h.log.Debug("subscriber left", "connId", sub.ID, "groupId", sub.group)
	sub.group = ""
}

// Group returns the room sub is joined to, or "".
func (h *Hub) Group(sub *Subscriber) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sub.group
}

// RoomSize reports how many subscribers are joined to groupID.
func (h *Hub) RoomSize(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[groupID])
}

// Deliver hands ev to every subscriber in its room without blocking. A subscriber whose
// buffer is full misses the event and recovers through history pagination.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[ev.GroupID] {
		if ev.ExcludeConn != "" && sub.ID == ev.ExcludeConn {
			continue
		}
		select {
		case sub.Outbound <- ev:
		default:
			h.log.Warn("dropping event; outbound buffer full", "connId", sub.ID, "groupId", ev.GroupID, "type", ev.Type)
		}
	}
}
