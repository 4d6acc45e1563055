package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"courier/internal/bus"
	"courier/internal/observability"
	"courier/internal/presence"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Max connections per user.
	maxConnsPerUser = 12
	// Max total connections per node.
	maxTotalConns = 10000
)

// StatusUpdate is the body of a user-status event. ContactIDs scopes the
// fan-out: only those users see the transition.
type StatusUpdate struct {
	UserID     uuid.UUID   `json:"user_id"`
	Status     string      `json:"status"`
	ContactIDs []uuid.UUID `json:"contact_ids,omitempty"`
}

// Hub tracks this node's WebSocket clients and the chat rooms each user has
// joined, and bridges bus events onto matching local sockets. Rooms mirror
// chat membership; a user's sockets all share the user's room set.
type Hub struct {
	mu         sync.RWMutex
	userConns  map[uuid.UUID]map[*Client]struct{}
	rooms      map[uuid.UUID]map[uuid.UUID]struct{} // chatID -> member userIDs
	userRooms  map[uuid.UUID]map[uuid.UUID]struct{} // userID -> chatIDs
	totalConns int

	presence *presence.Tracker

	shutdown chan struct{}
}

// NewHub creates a hub bound to the shared presence tracker.
func NewHub(tracker *presence.Tracker) *Hub {
	return &Hub{
		userConns: make(map[uuid.UUID]map[*Client]struct{}),
		rooms:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
		userRooms: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		presence:  tracker,
		shutdown:  make(chan struct{}),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// Register binds a new socket to a user session. Returns an error when
// connection limits are exceeded.
func (h *Hub) Register(userID, sessionID uuid.UUID, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()

	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, errors.New("server connection limit reached")
	}

	m, ok := h.userConns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.userConns[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, errors.New("user connection limit reached")
	}

	client := NewClient(h, conn, userID, sessionID)
	client.OnActivity = func(c *Client) {
		if h.presence != nil {
			h.presence.Heartbeat(context.Background(), c.UserID)
		}
	}
	m[client] = struct{}{}
	h.totalConns++
	h.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	if h.presence != nil {
		h.presence.Register(context.Background(), userID)
	}
	return client, nil
}

// UnregisterClient removes one socket. Room membership survives until the
// user's last socket is gone.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	removed := false
	if m, ok := h.userConns[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			removed = true
		}
		if len(m) == 0 {
			delete(h.userConns, client.UserID)
			h.dropUserRoomsLocked(client.UserID)
		}
	}
	h.mu.Unlock()

	if removed {
		observability.WebSocketConnectionsTotal.Dec()
		if h.presence != nil {
			h.presence.Unregister(context.Background(), client.UserID)
		}
	}
}

// JoinRooms subscribes a user to the given chats on this node.
func (h *Hub) JoinRooms(userID uuid.UUID, chatIDs []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.userConns[userID]; !ok {
		return
	}
	if h.userRooms[userID] == nil {
		h.userRooms[userID] = make(map[uuid.UUID]struct{})
	}
	for _, chatID := range chatIDs {
		if h.rooms[chatID] == nil {
			h.rooms[chatID] = make(map[uuid.UUID]struct{})
		}
		h.rooms[chatID][userID] = struct{}{}
		h.userRooms[userID][chatID] = struct{}{}
	}
}

// LeaveRoom unsubscribes a user from one chat.
func (h *Hub) LeaveRoom(userID, chatID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[chatID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	if rooms, ok := h.userRooms[userID]; ok {
		delete(rooms, chatID)
	}
}

func (h *Hub) dropUserRoomsLocked(userID uuid.UUID) {
	if rooms, ok := h.userRooms[userID]; ok {
		for chatID := range rooms {
			if members, ok := h.rooms[chatID]; ok {
				delete(members, userID)
				if len(members) == 0 {
					delete(h.rooms, chatID)
				}
			}
		}
		delete(h.userRooms, userID)
	}
}

// BroadcastUser sends raw bytes to every socket of one user on this node.
func (h *Hub) BroadcastUser(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.userConns[userID] {
		client.TrySend(data)
	}
}

// BroadcastRoom sends raw bytes to every local member of a chat room.
func (h *Hub) BroadcastRoom(chatID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[chatID]
	if !ok {
		return
	}
	for userID := range members {
		for client := range h.userConns[userID] {
			client.TrySend(data)
		}
	}
}

// BroadcastRoomExcept sends raw bytes to every local member of a chat room
// except one user. Typing indicators use this so typists never see their own.
func (h *Hub) BroadcastRoomExcept(chatID, exceptUserID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[chatID]
	if !ok {
		return
	}
	for userID := range members {
		if userID == exceptUserID {
			continue
		}
		for client := range h.userConns[userID] {
			client.TrySend(data)
		}
	}
}

// BroadcastAll sends raw bytes to every connected socket on this node.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.userConns {
		for client := range clients {
			client.TrySend(data)
		}
	}
}

// SendEventUser marshals an event and sends it to one user's sockets.
func (h *Hub) SendEventUser(userID uuid.UUID, event bus.Event) {
	if data, err := json.Marshal(event); err == nil {
		observability.WebSocketEventsTotal.WithLabelValues(event.Type).Inc()
		h.BroadcastUser(userID, data)
	}
}

// IsOnline reports cluster-wide reachability when presence is available,
// else local reachability.
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	if h.presence != nil {
		return h.presence.IsOnline(context.Background(), userID)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.userConns[userID]
	return ok && len(clients) > 0
}

// StartWiring subscribes the hub to the bus and routes incoming events:
// chat topics to rooms, user topics to that user's sockets, and status
// transitions to the contacts named in the event.
func (h *Hub) StartWiring(ctx context.Context, n *bus.Notifier) error {
	return n.StartSubscriber(ctx, func(channel string, event bus.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		observability.WebSocketEventsTotal.WithLabelValues(event.Type).Inc()

		switch {
		case strings.HasPrefix(channel, "chat:"):
			chatID, perr := uuid.Parse(strings.TrimPrefix(channel, "chat:"))
			if perr != nil {
				log.Printf("hub: invalid chat channel %s", channel)
				return
			}
			if event.Type == bus.EventTyping {
				// Typing indicators skip the typist's own sockets.
				var body struct {
					UserID uuid.UUID `json:"user_id"`
				}
				if json.Unmarshal(event.Data, &body) == nil && body.UserID != uuid.Nil {
					h.BroadcastRoomExcept(chatID, body.UserID, data)
					return
				}
			}
			h.BroadcastRoom(chatID, data)

		case strings.HasPrefix(channel, "user:"):
			userID, perr := uuid.Parse(strings.TrimPrefix(channel, "user:"))
			if perr != nil {
				log.Printf("hub: invalid user channel %s", channel)
				return
			}
			h.BroadcastUser(userID, data)

		case channel == "status:global":
			var update StatusUpdate
			if uerr := json.Unmarshal(event.Data, &update); uerr != nil {
				return
			}
			for _, contactID := range update.ContactIDs {
				h.BroadcastUser(contactID, data)
			}

		default:
			log.Printf("hub: event on unexpected channel %s", channel)
		}
	})
}

// Shutdown notifies clients and closes every socket.
func (h *Hub) Shutdown(_ context.Context) error {
	close(h.shutdown)

	notice, _ := json.Marshal(bus.Event{
		Type: bus.EventServerShutdown,
		Data: json.RawMessage(`{"reason":"server shutting down"}`),
	})

	h.mu.Lock()
	for userID, clients := range h.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, notice); err != nil {
				log.Printf("failed to write shutdown notice for user %s: %v", userID, err)
			}
			if err := client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")); err != nil {
				log.Printf("failed to write close message for user %s: %v", userID, err)
			}
			if err := client.Conn.Close(); err != nil {
				log.Printf("failed to close websocket for user %s: %v", userID, err)
			}
		}
	}
	h.userConns = make(map[uuid.UUID]map[*Client]struct{})
	h.rooms = make(map[uuid.UUID]map[uuid.UUID]struct{})
	h.userRooms = make(map[uuid.UUID]map[uuid.UUID]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	return nil
}
