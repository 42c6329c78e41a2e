package realtime

import (
	"log/slog"
	"sync"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// Hub tracks live sessions and their membership in conversation rooms, and
// provides the broadcast primitives the dispatcher routes results through.
//
// It is an explicit instance with injected dependencies (the presence
// registry for user -> session lookups); there are no package-level
// singletons holding connection state.
//
// Delivery guarantee: best-effort, at-most-once per currently-connected
// recipient. Full queues drop rather than block, and targets without a live
// session are skipped. Missed events are recoverable via explicit fetches.
type Hub struct {
	log      *slog.Logger
	presence *PresenceRegistry

	mu      sync.RWMutex
	clients map[string]*Client            // session id -> client
	rooms   map[string]map[string]*Client // conversation id -> session id -> client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, presence *PresenceRegistry) *Hub {
	return &Hub{
		log:      log,
		presence: presence,
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
	}
}

// Register adds a session to the hub. Called once per accepted connection.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	h.mu.Unlock()

	metricConnections.Inc()
	h.log.Info("hub.session.register", "session_id", client.SessionID)
}

// Unregister removes a session from the hub and every room it joined, then
// signals the client to shut down. Safe to call for unknown sessions.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	cl = h.clients[sessionID]
	delete(h.clients, sessionID)
	for convID, room := range h.rooms {
		if _, ok := room[sessionID]; !ok {
			continue
		}
		delete(room, sessionID)
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.mu.Unlock()

	// Signal client shutdown after removing from membership. This ordering
	// avoids race windows where a broadcaster still holds a pointer while
	// the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
		metricConnections.Dec()
	}

	h.log.Info("hub.session.unregister", "session_id", sessionID)
}

// Join adds sessionID to the room for conversationID. Unknown sessions are
// ignored; membership is ephemeral and rebuilt on every connect.
func (h *Hub) Join(conversationID, sessionID string) {
	if h == nil || conversationID == "" || sessionID == "" {
		return
	}

	h.mu.Lock()
	cl, ok := h.clients[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[conversationID] = room
	}
	room[sessionID] = cl
	h.mu.Unlock()

	h.log.Info("hub.room.join", "conversation_id", conversationID, "session_id", sessionID)
}

// Leave removes sessionID from the room for conversationID.
func (h *Hub) Leave(conversationID, sessionID string) {
	if h == nil || conversationID == "" || sessionID == "" {
		return
	}

	h.mu.Lock()
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	h.mu.Unlock()

	h.log.Info("hub.room.leave", "conversation_id", conversationID, "session_id", sessionID)
}

// DropRoom removes the whole room for conversationID. Used during
// conversation deletion.
func (h *Hub) DropRoom(conversationID string) {
	if h == nil || conversationID == "" {
		return
	}

	h.mu.Lock()
	delete(h.rooms, conversationID)
	h.mu.Unlock()
}

// RoomSize reports current membership, for tests and introspection.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// BroadcastRoom fanouts env to every member of the conversation room.
// Non-blocking: members with full queues are dropped.
func (h *Hub) BroadcastRoom(conversationID string, env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[conversationID]))
	for _, m := range h.rooms[conversationID] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	for _, m := range members {
		m.Enqueue(env)
	}
}

// BroadcastAll fanouts env to every registered session.
func (h *Hub) BroadcastAll(env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Enqueue(env)
	}
}

// BroadcastToUsers delivers env individually to each user's live session,
// resolved through the presence registry. Users without a live session are
// skipped; there is no queueing or retry.
func (h *Hub) BroadcastToUsers(userIDs []string, env v1.Envelope) {
	if h == nil || h.presence == nil {
		return
	}

	for _, uid := range userIDs {
		sessionID, ok := h.presence.SessionOf(uid)
		if !ok {
			continue
		}
		h.SendToSession(sessionID, env)
	}
}

// SendToSession delivers env to one session, best-effort.
func (h *Hub) SendToSession(sessionID string, env v1.Envelope) {
	h.mu.RLock()
	cl := h.clients[sessionID]
	h.mu.RUnlock()

	cl.Enqueue(env)
}
