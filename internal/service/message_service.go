package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/observability"
	"courier/internal/repository"
	"courier/internal/validation"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MessageService provides messaging business logic: sending, editing,
// receipts, reactions and search.
type MessageService struct {
	messageRepo  repository.MessageRepository
	chatRepo     repository.ChatRepository
	deliveryRepo repository.DeliveryRepository
	notifier     *bus.Notifier
	stream       *bus.DeliveryStream
	rdb          *redis.Client
	cfg          *config.Config
}

// NewMessageService returns a new MessageService.
func NewMessageService(
	messageRepo repository.MessageRepository,
	chatRepo repository.ChatRepository,
	deliveryRepo repository.DeliveryRepository,
	notifier *bus.Notifier,
	stream *bus.DeliveryStream,
	rdb *redis.Client,
	cfg *config.Config,
) *MessageService {
	return &MessageService{
		messageRepo:  messageRepo,
		chatRepo:     chatRepo,
		deliveryRepo: deliveryRepo,
		notifier:     notifier,
		stream:       stream,
		rdb:          rdb,
		cfg:          cfg,
	}
}

// AttachmentInput describes one attachment on an outgoing message. Refs and
// URLs point into the external blob service; the core never touches bytes.
type AttachmentInput struct {
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	ByteSize     int64  `json:"byte_size"`
	OriginalRef  string `json:"original_ref"`
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`
	MediumRef    string `json:"medium_ref,omitempty"`
	OriginalURL  string `json:"original_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	MediumURL    string `json:"medium_url,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

// SendInput is the input for sending a message.
type SendInput struct {
	SenderID    uuid.UUID
	ChatID      uuid.UUID
	Body        string
	Kind        string
	Metadata    json.RawMessage
	ReplyToID   *uuid.UUID
	Attachments []AttachmentInput
}

// Send validates, persists and fans out one message. The message is durable
// once this returns; delivery to recipients happens asynchronously.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	if err := s.requireMembership(ctx, in.ChatID, in.SenderID); err != nil {
		return nil, err
	}

	kind := in.Kind
	if kind == "" {
		kind = models.MessageText
	}
	switch kind {
	case models.MessageText:
		if err := validation.ValidateMessageBody(in.Body); err != nil {
			return nil, err
		}
	case models.MessageImage:
		if len(in.Attachments) == 0 {
			return nil, models.NewFieldValidationError("attachments", "image messages require at least one attachment")
		}
	default:
		return nil, models.NewFieldValidationError("kind", "kind must be 'text' or 'image'")
	}

	allowed, retryAfter, err := middleware.CheckRateLimit(
		ctx, s.rdb, "send", in.SenderID.String(), s.cfg.SendRateLimit, s.cfg.SendRateWindow)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "send rate limit check failed",
			slog.String("error", err.Error()))
		// Fail open: losing the limiter should not stop the product.
	} else if !allowed {
		return nil, models.NewRateLimitedError(retryAfter)
	}

	recipients, err := s.chatRepo.ListActiveParticipantIDs(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	recipients = excludeID(recipients, in.SenderID)

	senderID := in.SenderID
	msg := &models.Message{
		ChatID:    in.ChatID,
		SenderID:  &senderID,
		Body:      validation.SanitizeBody(in.Body),
		Kind:      kind,
		Metadata:  in.Metadata,
		ReplyToID: in.ReplyToID,
		CreatedAt: time.Now(),
	}
	for _, a := range in.Attachments {
		if a.OriginalRef == "" || a.OriginalURL == "" {
			return nil, models.NewFieldValidationError("attachments", "attachments require original_ref and original_url")
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			FileName:     a.FileName,
			MimeType:     a.MimeType,
			ByteSize:     a.ByteSize,
			OriginalRef:  a.OriginalRef,
			ThumbnailRef: a.ThumbnailRef,
			MediumRef:    a.MediumRef,
			OriginalURL:  a.OriginalURL,
			ThumbnailURL: a.ThumbnailURL,
			MediumURL:    a.MediumURL,
			Width:        a.Width,
			Height:       a.Height,
		})
	}
	if in.ReplyToID != nil {
		parent, perr := s.messageRepo.GetByID(ctx, *in.ReplyToID)
		if perr != nil {
			return nil, perr
		}
		if parent.ChatID != in.ChatID {
			return nil, models.NewFieldValidationError("reply_to_id", "replied-to message belongs to another chat")
		}
	}

	if err := s.messageRepo.PersistMessage(ctx, msg, recipients); err != nil {
		return nil, err
	}

	chatKind := models.ChatGroup
	if chat, cerr := s.chatRepo.GetByID(ctx, in.ChatID); cerr == nil {
		chatKind = chat.Kind
	}
	observability.MessagesPersisted.WithLabelValues(chatKind, kind).Inc()

	// Fan-out is best effort past this point: the message is durable, and
	// the reconciler covers anything the queue or bus loses.
	if len(recipients) > 0 {
		job := bus.DeliveryJob{
			MessageID:  msg.ID,
			ChatID:     msg.ChatID,
			Recipients: recipients,
			CreatedAt:  msg.CreatedAt,
		}
		if qerr := s.stream.Enqueue(ctx, job); qerr != nil {
			middleware.Logger.ErrorContext(ctx, "failed to enqueue delivery job",
				slog.String("message_id", msg.ID.String()), slog.String("error", qerr.Error()))
		}
	}
	if event, eerr := bus.NewEvent(bus.EventMessageNew, msg); eerr == nil {
		if perr := s.notifier.PublishChat(ctx, msg.ChatID, event); perr != nil {
			middleware.Logger.WarnContext(ctx, "failed to publish message-new",
				slog.String("message_id", msg.ID.String()), slog.String("error", perr.Error()))
		}
	}
	return msg, nil
}

// ListMessages pages a chat's history for a member.
func (s *MessageService) ListMessages(ctx context.Context, callerID, chatID uuid.UUID, cursor string, limit int) ([]models.Message, string, error) {
	if err := s.requireMembership(ctx, chatID, callerID); err != nil {
		return nil, "", err
	}
	return s.messageRepo.ListChatMessages(ctx, chatID, cursor, limit)
}

// EditInput is the input for editing a message.
type EditInput struct {
	CallerID  uuid.UUID
	MessageID uuid.UUID
	Body      string
	Metadata  json.RawMessage
}

// Edit replaces a message body. Only the sender may edit, and the prior
// content is archived.
func (s *MessageService) Edit(ctx context.Context, in EditInput) (*models.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == nil || *msg.SenderID != in.CallerID {
		return nil, models.NewForbiddenError("only the sender can edit a message")
	}
	if msg.Kind == models.MessageSystem {
		return nil, models.NewForbiddenError("system messages cannot be edited")
	}
	if err := validation.ValidateMessageBody(in.Body); err != nil {
		return nil, err
	}

	updated, err := s.messageRepo.Edit(ctx, in.MessageID, validation.SanitizeBody(in.Body), in.Metadata)
	if err != nil {
		return nil, err
	}
	if event, eerr := bus.NewEvent(bus.EventMessageEdited, updated); eerr == nil {
		_ = s.notifier.PublishChat(ctx, updated.ChatID, event)
	}
	return updated, nil
}

// Delete tombstones a message. The sender may always delete their own;
// group owners and admins may remove anything in their chat.
func (s *MessageService) Delete(ctx context.Context, callerID, messageID uuid.UUID) error {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	isSender := msg.SenderID != nil && *msg.SenderID == callerID
	if !isSender {
		p, perr := s.chatRepo.GetParticipant(ctx, msg.ChatID, callerID)
		if perr != nil {
			return perr
		}
		if p == nil || !p.Active() || (p.Role != models.RoleOwner && p.Role != models.RoleAdmin) {
			return models.NewForbiddenError("not allowed to delete this message")
		}
	}

	if err := s.messageRepo.SoftDelete(ctx, messageID); err != nil {
		return err
	}
	body := struct {
		MessageID uuid.UUID `json:"message_id"`
		ChatID    uuid.UUID `json:"chat_id"`
	}{messageID, msg.ChatID}
	if event, eerr := bus.NewEvent(bus.EventMessageDeleted, body); eerr == nil {
		_ = s.notifier.PublishChat(ctx, msg.ChatID, event)
	}
	return nil
}

// EditHistory returns a message's prior bodies to chat members.
func (s *MessageService) EditHistory(ctx context.Context, callerID, messageID uuid.UUID) ([]models.EditEntry, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMembership(ctx, msg.ChatID, callerID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListEditHistory(ctx, messageID)
}

// SetDeliveryStatus advances the caller's delivery row for one message.
// Regressions return a conflict.
func (s *MessageService) SetDeliveryStatus(ctx context.Context, callerID, messageID uuid.UUID, status string) (*models.Delivery, error) {
	row, changed, err := s.deliveryRepo.SetStatus(ctx, messageID, callerID, status)
	if err != nil {
		return nil, err
	}
	if changed {
		msg, merr := s.messageRepo.GetByID(ctx, messageID)
		if merr == nil {
			body := struct {
				MessageID uuid.UUID `json:"message_id"`
				ChatID    uuid.UUID `json:"chat_id"`
				UserID    uuid.UUID `json:"user_id"`
				Status    string    `json:"status"`
			}{messageID, msg.ChatID, callerID, status}
			if status == models.DeliveryRead {
				// Read receipts are for the sender's eyes, not the whole room.
				s.publishReadReceipt(ctx, msg, body)
			} else if event, eerr := bus.NewEvent(bus.EventDeliveryUpdated, body); eerr == nil {
				_ = s.notifier.PublishChat(ctx, msg.ChatID, event)
			}
		}
	}
	return row, nil
}

// publishReadReceipt sends a read-updated event to the message sender's user
// topic. System messages have no sender and readers don't receipt themselves.
func (s *MessageService) publishReadReceipt(ctx context.Context, msg *models.Message, body interface{}) {
	if msg.SenderID == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventReadUpdated, body)
	if err != nil {
		return
	}
	_ = s.notifier.PublishUser(ctx, *msg.SenderID, event)
}

// MarkChatRead marks everything up to a message as read for the caller and
// fans out one read receipt per flipped message.
func (s *MessageService) MarkChatRead(ctx context.Context, callerID, chatID, upToMessageID uuid.UUID) (int, error) {
	if err := s.requireMembership(ctx, chatID, callerID); err != nil {
		return 0, err
	}

	flipped, err := s.deliveryRepo.BulkMarkRead(ctx, chatID, callerID, upToMessageID)
	if err != nil {
		return 0, err
	}
	if err := s.chatRepo.SetLastRead(ctx, chatID, callerID, upToMessageID); err != nil {
		return 0, err
	}

	for _, messageID := range flipped {
		msg, merr := s.messageRepo.GetByID(ctx, messageID)
		if merr != nil {
			continue
		}
		body := struct {
			MessageID uuid.UUID `json:"message_id"`
			ChatID    uuid.UUID `json:"chat_id"`
			UserID    uuid.UUID `json:"user_id"`
			Status    string    `json:"status"`
		}{messageID, chatID, callerID, models.DeliveryRead}
		s.publishReadReceipt(ctx, msg, body)
	}
	return len(flipped), nil
}

// ListDeliveries returns per-recipient delivery state for a message the
// caller can see.
func (s *MessageService) ListDeliveries(ctx context.Context, callerID, messageID uuid.UUID) ([]models.Delivery, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMembership(ctx, msg.ChatID, callerID); err != nil {
		return nil, err
	}
	return s.deliveryRepo.ListStatuses(ctx, messageID)
}

// React toggles a reaction: adding when absent, removing when present.
// The bool reports whether the reaction exists after the call.
func (s *MessageService) React(ctx context.Context, callerID, messageID uuid.UUID, glyph string) (bool, error) {
	if err := validation.ValidateReactionGlyph(glyph); err != nil {
		return false, err
	}
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	if err := s.requireMembership(ctx, msg.ChatID, callerID); err != nil {
		return false, err
	}
	if msg.Deleted {
		return false, models.NewNotFoundError("message", messageID)
	}

	added, err := s.messageRepo.AddReaction(ctx, messageID, callerID, glyph)
	if err != nil {
		return false, err
	}
	present := true
	if !added {
		if _, err := s.messageRepo.RemoveReaction(ctx, messageID, callerID, glyph); err != nil {
			return false, err
		}
		present = false
	}

	body := struct {
		MessageID uuid.UUID `json:"message_id"`
		ChatID    uuid.UUID `json:"chat_id"`
		UserID    uuid.UUID `json:"user_id"`
		Glyph     string    `json:"glyph"`
		Present   bool      `json:"present"`
	}{messageID, msg.ChatID, callerID, glyph, present}
	if event, eerr := bus.NewEvent(bus.EventReactionUpdated, body); eerr == nil {
		_ = s.notifier.PublishChat(ctx, msg.ChatID, event)
	}
	return present, nil
}

// Search runs a full-text search over the caller's chats, or over a single
// chat when chatID is set.
func (s *MessageService) Search(ctx context.Context, callerID uuid.UUID, query string, chatID *uuid.UUID, limit int) ([]models.Message, error) {
	if len(query) < 2 {
		return nil, models.NewFieldValidationError("q", "search query must be at least 2 characters")
	}
	if chatID != nil {
		if err := s.requireMembership(ctx, *chatID, callerID); err != nil {
			return nil, err
		}
	}
	return s.messageRepo.Search(ctx, callerID, query, chatID, s.cfg.SearchLanguage, limit)
}

func (s *MessageService) requireMembership(ctx context.Context, chatID, userID uuid.UUID) error {
	p, err := s.chatRepo.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if p == nil || !p.Active() {
		return models.NewForbiddenError("not a member of this chat")
	}
	return nil
}
