package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"courier/internal/bus"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/notifications"
	"courier/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// typingAutoStop ends a typing indicator the client never cleared.
const typingAutoStop = 10 * time.Second

// wsEnvelope is the frame shape in both directions: a type tag and a
// type-specific body.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebSocketChatHandler returns the handler for the real-time chat socket.
// AuthRequired has already resolved the ticket; locals carry the identity.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("userID").(uuid.UUID)
		sessionID, sok := conn.Locals("sessionID").(uuid.UUID)
		if !ok || !sok {
			_ = conn.Close()
			return
		}

		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		client, err := s.hub.Register(userID, sessionID, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			_ = conn.Close()
			return
		}

		ctx := context.Background()
		if aerr := s.registry.AttachSocket(ctx, sessionID, uuid.NewString()); aerr != nil {
			log.Printf("failed to attach socket to session %s: %v", sessionID, aerr)
		}

		// Subscribe the connection to every chat the user belongs to.
		if chatIDs, lerr := s.chatRepo.ListUserChatIDs(ctx, userID); lerr == nil {
			s.hub.JoinRooms(userID, chatIDs)
		} else {
			log.Printf("failed to list chats for user %s: %v", userID, lerr)
		}

		sess := &wsSession{server: s}
		client.IncomingHandler = sess.handle

		// Push everything the user missed while offline, oldest first. Runs
		// before the pumps so frames go straight to the connection and each
		// delivery row flips only after its message was written.
		s.replayMissed(ctx, client)

		go client.WritePump()
		client.ReadPump()

		sess.stopTimers()
	})
}

// replayMissed delivers queued messages to a freshly attached socket.
func (s *Server) replayMissed(ctx context.Context, client *notifications.Client) {
	_, err := s.engine.ReplayOffline(ctx, client.UserID, func(msg *models.Message) error {
		event, eerr := bus.NewEvent(bus.EventMessageNew, msg)
		if eerr != nil {
			return eerr
		}
		data, merr := json.Marshal(event)
		if merr != nil {
			return merr
		}
		return client.WriteDirect(data)
	})
	if err != nil {
		log.Printf("offline replay failed for user %s: %v", client.UserID, err)
	}
}

// wsSession holds per-connection state: the typing auto-stop timers.
type wsSession struct {
	server *Server

	mu           sync.Mutex
	typingTimers map[uuid.UUID]*time.Timer
}

// handle dispatches one inbound frame.
func (w *wsSession) handle(client *notifications.Client, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		w.sendError(client, "", models.NewValidationError("malformed event"))
		return
	}

	ctx := context.Background()
	switch env.Type {
	case "send":
		w.handleSend(ctx, client, env.Data)
	case "typing":
		w.handleTyping(ctx, client, env.Data)
	case "mark-read":
		w.handleMarkRead(ctx, client, env.Data)
	case "mark-chat-read":
		w.handleMarkChatRead(ctx, client, env.Data)
	case "join-chat":
		w.handleJoinChat(ctx, client, env.Data)
	case "leave-chat":
		w.handleLeaveChat(client, env.Data)
	case "away":
		w.server.tracker.MarkAway(ctx, client.UserID)
	case "active":
		w.server.tracker.MarkActive(ctx, client.UserID)
	case "ping":
		w.sendEvent(client, "pong", nil)
	default:
		w.sendError(client, "", models.NewValidationError("unknown event type: "+env.Type))
	}
}

func (w *wsSession) handleSend(ctx context.Context, client *notifications.Client, data json.RawMessage) {
	var req struct {
		ClientRef string          `json:"client_ref"`
		ChatID    uuid.UUID       `json:"chat_id"`
		Body      string          `json:"body"`
		Kind      string          `json:"kind"`
		Metadata  json.RawMessage `json:"metadata"`
		ReplyToID *uuid.UUID      `json:"reply_to_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		w.sendError(client, "", models.NewValidationError("malformed send event"))
		return
	}

	msg, err := w.server.messageService.Send(ctx, service.SendInput{
		SenderID:  client.UserID,
		ChatID:    req.ChatID,
		Body:      req.Body,
		Kind:      req.Kind,
		Metadata:  req.Metadata,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		// The client ref lets the sender mark its optimistic message failed.
		w.sendError(client, req.ClientRef, err)
		return
	}

	// Ack to the sending socket; the room broadcast covers everyone else.
	w.sendEvent(client, "message-ack", struct {
		ClientRef string          `json:"client_ref,omitempty"`
		Message   *models.Message `json:"message"`
	}{req.ClientRef, msg})
}

func (w *wsSession) handleTyping(ctx context.Context, client *notifications.Client, data json.RawMessage) {
	var req struct {
		ChatID uuid.UUID `json:"chat_id"`
		Active bool      `json:"active"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	p, err := w.server.chatRepo.GetParticipant(ctx, req.ChatID, client.UserID)
	if err != nil || p == nil || !p.Active() {
		return
	}

	w.publishTyping(ctx, client.UserID, req.ChatID, req.Active)

	w.mu.Lock()
	if w.typingTimers == nil {
		w.typingTimers = make(map[uuid.UUID]*time.Timer)
	}
	if timer, ok := w.typingTimers[req.ChatID]; ok {
		timer.Stop()
		delete(w.typingTimers, req.ChatID)
	}
	if req.Active {
		chatID := req.ChatID
		userID := client.UserID
		w.typingTimers[chatID] = time.AfterFunc(typingAutoStop, func() {
			w.mu.Lock()
			delete(w.typingTimers, chatID)
			w.mu.Unlock()
			w.publishTyping(context.Background(), userID, chatID, false)
		})
	}
	w.mu.Unlock()
}

func (w *wsSession) publishTyping(ctx context.Context, userID, chatID uuid.UUID, active bool) {
	event, err := bus.NewEvent(bus.EventTyping, struct {
		ChatID uuid.UUID `json:"chat_id"`
		UserID uuid.UUID `json:"user_id"`
		Active bool      `json:"active"`
	}{chatID, userID, active})
	if err != nil {
		return
	}
	if perr := w.server.notifier.PublishChat(ctx, chatID, event); perr != nil {
		log.Printf("failed to publish typing event: %v", perr)
	}
}

func (w *wsSession) handleMarkRead(ctx context.Context, client *notifications.Client, data json.RawMessage) {
	var req struct {
		MessageID uuid.UUID `json:"message_id"`
		Status    string    `json:"status"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		w.sendError(client, "", models.NewValidationError("malformed mark-read event"))
		return
	}
	if req.Status == "" {
		req.Status = models.DeliveryRead
	}
	if _, err := w.server.messageService.SetDeliveryStatus(ctx, client.UserID, req.MessageID, req.Status); err != nil {
		w.sendError(client, "", err)
	}
}

func (w *wsSession) handleMarkChatRead(ctx context.Context, client *notifications.Client, data json.RawMessage) {
	var req struct {
		ChatID    uuid.UUID `json:"chat_id"`
		MessageID uuid.UUID `json:"message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		w.sendError(client, "", models.NewValidationError("malformed mark-chat-read event"))
		return
	}
	if _, err := w.server.messageService.MarkChatRead(ctx, client.UserID, req.ChatID, req.MessageID); err != nil {
		w.sendError(client, "", err)
	}
}

func (w *wsSession) handleJoinChat(ctx context.Context, client *notifications.Client, data json.RawMessage) {
	var req struct {
		ChatID uuid.UUID `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	p, err := w.server.chatRepo.GetParticipant(ctx, req.ChatID, client.UserID)
	if err != nil || p == nil || !p.Active() {
		w.sendError(client, "", models.NewForbiddenError("not a member of this chat"))
		return
	}
	w.server.hub.JoinRooms(client.UserID, []uuid.UUID{req.ChatID})
}

func (w *wsSession) handleLeaveChat(client *notifications.Client, data json.RawMessage) {
	var req struct {
		ChatID uuid.UUID `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	w.server.hub.LeaveRoom(client.UserID, req.ChatID)
}

// stopTimers cancels pending typing auto-stops when the socket closes.
func (w *wsSession) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for chatID, timer := range w.typingTimers {
		timer.Stop()
		delete(w.typingTimers, chatID)
	}
}

func (w *wsSession) sendEvent(client *notifications.Client, eventType string, body interface{}) {
	event, err := bus.NewEvent(eventType, body)
	if err != nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	client.TrySend(data)
}

func (w *wsSession) sendError(client *notifications.Client, clientRef string, cause error) {
	w.sendEvent(client, bus.EventMessageError, struct {
		ClientRef string `json:"client_ref,omitempty"`
		Kind      string `json:"kind"`
		Message   string `json:"message"`
	}{clientRef, models.ErrorKind(cause), cause.Error()})
}
