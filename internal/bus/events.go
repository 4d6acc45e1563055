package bus

// Event types carried over pub/sub and delivered to WebSocket clients.
const (
	EventMessageNew         = "message-new"
	EventMessageEdited      = "message-edited"
	EventMessageDeleted     = "message-deleted"
	EventDeliveryUpdated    = "delivery-updated"
	EventReadUpdated        = "read-updated"
	EventReactionUpdated    = "reaction-updated"
	EventTyping             = "typing"
	EventUserStatus         = "user-status"
	EventChatCreated        = "chat-created"
	EventChatUpdated        = "chat-updated"
	EventChatRemoved        = "chat-removed"
	EventParticipantAdded   = "participant-added"
	EventParticipantLeft    = "participant-left"
	EventParticipantRemoved = "participant-removed"
	EventSessionRevoked     = "session-revoked"
	EventServerShutdown     = "server-shutdown"
	EventMessageError       = "message-error"
)
