package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TTLs. Session cache entries are additionally capped at the session's
// remaining lifetime by the session registry.
const (
	UserTTL       = 10 * time.Minute
	SessionTTLCap = time.Hour
)

// Key and topic layout of the shared Redis instance. Every key the
// application touches is built here so the namespace stays auditable.
const (
	// PresenceOnlineKey is the sorted set of online user ids, scored by the
	// epoch-millisecond timestamp of their last heartbeat.
	PresenceOnlineKey = "presence:online"

	// StatusTopic carries user online/offline/away transitions to every node.
	StatusTopic = "status:global"

	// DeliveryStreamKey is the stream of pending delivery jobs, consumed by
	// the DeliveryGroup consumer group.
	DeliveryStreamKey = "delivery-stream"
	DeliveryGroup     = "delivery-workers"
)

// UserKey caches a user profile looked up by id.
func UserKey(userID uuid.UUID) string {
	return "user:byId:" + userID.String()
}

// SessionByRefreshKey caches a session looked up by its refresh secret.
func SessionByRefreshKey(refreshSecret string) string {
	return "session:byRefresh:" + refreshSecret
}

// SessionByIDKey caches a session looked up by its id.
func SessionByIDKey(sessionID uuid.UUID) string {
	return "session:byId:" + sessionID.String()
}

// SessionsByUserKey holds the set of a user's active session ids.
func SessionsByUserKey(userID uuid.UUID) string {
	return "session:byUser:" + userID.String()
}

// ChatTopic is the pub/sub channel for events scoped to one chat.
func ChatTopic(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s", chatID)
}

// UserTopic is the pub/sub channel for events addressed to one user's
// devices, wherever they are connected.
func UserTopic(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID)
}

// WSTicketKey stores a single-use websocket upgrade ticket.
func WSTicketKey(ticket string) string {
	return "ws:ticket:" + ticket
}
