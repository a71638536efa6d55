package signal

import "sync"

// hub tracks which clients are attached to which room on this instance,
// for fanning out SFU tracks. Room membership itself lives in the store.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[*client]struct{})}
}

func (h *hub) add(roomID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[roomID]
	if !ok {
		clients = make(map[*client]struct{})
		h.rooms[roomID] = clients
	}
	clients[cl] = struct{}{}
}

func (h *hub) remove(roomID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(clients, cl)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
	}
}

// peers returns the other clients attached to the room.
func (h *hub) peers(roomID string, except *client) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*client
	for cl := range h.rooms[roomID] {
		if cl != except {
			out = append(out, cl)
		}
	}
	return out
}
