package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPageSize bounds message history pages.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// MessageRepository defines persistence operations for messages, their edit
// history, reactions and attachments.
type MessageRepository interface {
	PersistMessage(ctx context.Context, msg *models.Message, recipientIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListChatMessages(ctx context.Context, chatID uuid.UUID, cursor string, limit int) ([]models.Message, string, error)
	Edit(ctx context.Context, messageID uuid.UUID, body string, metadata json.RawMessage) (*models.Message, error)
	SoftDelete(ctx context.Context, messageID uuid.UUID) error
	ListEditHistory(ctx context.Context, messageID uuid.UUID) ([]models.EditEntry, error)
	AddReaction(ctx context.Context, messageID, userID uuid.UUID, glyph string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, glyph string) (bool, error)
	Search(ctx context.Context, userID uuid.UUID, query string, chatID *uuid.UUID, language string, limit int) ([]models.Message, error)
}

type messageRepository struct {
	db *database.DB
}

// NewMessageRepository returns a new MessageRepository implementation.
func NewMessageRepository(db *database.DB) MessageRepository {
	return &messageRepository{db: db}
}

// PersistMessage stores a message atomically with its fan-out bookkeeping:
// one delivery row per recipient, the chat's last-activity timestamp, and
// each recipient's unread counter. Either everything lands or nothing does.
func (r *messageRepository) PersistMessage(ctx context.Context, msg *models.Message, recipientIDs []uuid.UUID) error {
	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		if len(recipientIDs) > 0 {
			deliveries := make([]models.Delivery, 0, len(recipientIDs))
			for _, uid := range recipientIDs {
				deliveries = append(deliveries, models.Delivery{
					MessageID: msg.ID,
					UserID:    uid,
					Status:    models.DeliverySent,
				})
			}
			if err := tx.Create(&deliveries).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Participant{}).
				Where("chat_id = ? AND user_id IN ? AND left_at IS NULL", msg.ChatID, recipientIDs).
				Update("unread_count", gorm.Expr("unread_count + 1")).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.Chat{}).
			Where("id = ?", msg.ChatID).
			Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := r.db.Reader().WithContext(ctx).
		Preload("Sender").
		Preload("Reactions").
		Preload("Attachments").
		First(&msg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("message", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

// ListChatMessages pages backwards through a chat's history, newest first.
// The cursor is opaque; an empty cursor starts from the latest message. The
// returned cursor is empty once the oldest page has been served.
func (r *messageRepository) ListChatMessages(ctx context.Context, chatID uuid.UUID, cursor string, limit int) ([]models.Message, string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	q := r.db.Reader().WithContext(ctx).
		Where("chat_id = ?", chatID).
		Preload("Sender").
		Preload("Reactions").
		Preload("Attachments").
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if cursor != "" {
		createdAt, id, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var messages []models.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, "", models.NewInternalError(err)
	}

	next := ""
	if len(messages) > limit {
		messages = messages[:limit]
		last := messages[len(messages)-1]
		next = EncodeCursor(last.CreatedAt, last.ID)
	}
	return messages, next, nil
}

// Edit replaces a message body, archiving the prior content first so the
// edit trail survives.
func (r *messageRepository) Edit(ctx context.Context, messageID uuid.UUID, body string, metadata json.RawMessage) (*models.Message, error) {
	var updated models.Message
	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.First(&msg, "id = ?", messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("message", messageID)
			}
			return err
		}
		if msg.Deleted {
			return models.NewNotFoundError("message", messageID)
		}

		now := time.Now()
		entry := models.EditEntry{
			MessageID:     msg.ID,
			PriorBody:     msg.Body,
			PriorMetadata: msg.Metadata,
			EditedAt:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"body":      body,
			"edited":    true,
			"edited_at": now,
		}
		if metadata != nil {
			updates["metadata"] = metadata
		}
		if err := tx.Model(&msg).Updates(updates).Error; err != nil {
			return err
		}
		updated = msg
		updated.Body = body
		updated.Edited = true
		updated.EditedAt = &now
		if metadata != nil {
			updated.Metadata = metadata
		}
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, models.NewInternalError(err)
	}
	return &updated, nil
}

// SoftDelete tombstones a message. The row stays so ordering and delivery
// bookkeeping are unaffected; clients see the placeholder body.
func (r *messageRepository) SoftDelete(ctx context.Context, messageID uuid.UUID) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND deleted = ?", messageID, false).
		Updates(map[string]interface{}{
			"deleted":    true,
			"deleted_at": time.Now(),
			"body":       models.DeletedMessageBody,
			"metadata":   nil,
		})
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("message", messageID)
	}
	return nil
}

func (r *messageRepository) ListEditHistory(ctx context.Context, messageID uuid.UUID) ([]models.EditEntry, error) {
	var entries []models.EditEntry
	err := r.db.Reader().WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("edited_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return entries, nil
}

// AddReaction records a reaction; duplicates are ignored. The bool reports
// whether a new row was written.
func (r *messageRepository) AddReaction(ctx context.Context, messageID, userID uuid.UUID, glyph string) (bool, error) {
	reaction := models.Reaction{MessageID: messageID, UserID: userID, Glyph: glyph}
	res := r.db.Write.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reaction)
	if res.Error != nil {
		if isUniqueConstraintError(res.Error) {
			return false, nil
		}
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *messageRepository) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, glyph string) (bool, error) {
	res := r.db.Write.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND glyph = ?", messageID, userID, glyph).
		Delete(&models.Reaction{})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Search runs a full-text query over the bodies of messages in chats the
// user belongs to, optionally narrowed to one chat. Postgres uses the
// tsvector index; other dialects (tests) fall back to a substring match.
func (r *messageRepository) Search(ctx context.Context, userID uuid.UUID, query string, chatID *uuid.UUID, language string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	if language == "" {
		language = "english"
	}

	base := r.db.Reader().WithContext(ctx).
		Joins("JOIN participants p ON p.chat_id = messages.chat_id AND p.user_id = ? AND p.left_at IS NULL", userID).
		Where("messages.deleted = ?", false).
		Preload("Sender").
		Limit(limit)
	if chatID != nil {
		base = base.Where("messages.chat_id = ?", *chatID)
	}

	var messages []models.Message
	var err error
	if r.db.Reader().Dialector.Name() == "postgres" {
		err = base.
			Where("to_tsvector(?::regconfig, messages.body) @@ plainto_tsquery(?::regconfig, ?)",
				language, language, query).
			Order("messages.created_at DESC").
			Find(&messages).Error
	} else {
		err = base.
			Where("messages.body LIKE ?", "%"+query+"%").
			Order("messages.created_at DESC").
			Find(&messages).Error
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}
