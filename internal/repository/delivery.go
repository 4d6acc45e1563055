package repository

import (
	"context"
	"errors"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StaleDelivery describes a message whose fan-out never completed: some
// recipients still sit at "sent" past the grace period.
type StaleDelivery struct {
	MessageID  uuid.UUID
	ChatID     uuid.UUID
	Recipients []uuid.UUID
	CreatedAt  time.Time
}

// DeliveryRepository defines persistence operations for per-recipient
// delivery state. All transitions are monotonic: sent < delivered < read.
type DeliveryRepository interface {
	SetStatus(ctx context.Context, messageID, userID uuid.UUID, status string) (*models.Delivery, bool, error)
	BulkMarkDelivered(ctx context.Context, messageID uuid.UUID, userIDs []uuid.UUID) (int64, error)
	BulkMarkRead(ctx context.Context, chatID, userID, upToMessageID uuid.UUID) ([]uuid.UUID, error)
	ListStatuses(ctx context.Context, messageID uuid.UUID) ([]models.Delivery, error)
	ListUndelivered(ctx context.Context, userID uuid.UUID, limit int) ([]models.Message, error)
	ListStaleSent(ctx context.Context, since, until time.Time, limit int) ([]StaleDelivery, error)
}

type deliveryRepository struct {
	db *database.DB
}

// NewDeliveryRepository returns a new DeliveryRepository implementation.
func NewDeliveryRepository(db *database.DB) DeliveryRepository {
	return &deliveryRepository{db: db}
}

// SetStatus advances one delivery row. The guard lives in the WHERE clause
// so concurrent writers cannot regress a row: only lower-ranked statuses
// match. Repeating the current status is an idempotent no-op; attempting to
// regress returns a conflict. The bool reports whether the row changed.
func (r *deliveryRepository) SetStatus(ctx context.Context, messageID, userID uuid.UUID, status string) (*models.Delivery, bool, error) {
	targetRank := models.DeliveryStatusRank(status)
	if targetRank <= 0 {
		return nil, false, models.NewFieldValidationError("status", "status must be 'delivered' or 'read'")
	}

	now := time.Now()
	updates := map[string]interface{}{"status": status}
	var eligible []string
	switch status {
	case models.DeliveryDelivered:
		eligible = []string{models.DeliverySent}
		updates["delivered_at"] = now
	case models.DeliveryRead:
		eligible = []string{models.DeliverySent, models.DeliveryDelivered}
		updates["read_at"] = now
	}

	res := r.db.Write.WithContext(ctx).Model(&models.Delivery{}).
		Where("message_id = ? AND user_id = ? AND status IN ?", messageID, userID, eligible).
		Updates(updates)
	if res.Error != nil {
		return nil, false, models.NewInternalError(res.Error)
	}

	var row models.Delivery
	err := r.db.Write.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, models.NewNotFoundError("delivery", messageID)
		}
		return nil, false, models.NewInternalError(err)
	}

	if res.RowsAffected == 0 {
		if models.DeliveryStatusRank(row.Status) > targetRank {
			return nil, false, models.NewConflictError("delivery status cannot move backwards")
		}
		// Same status applied twice: idempotent.
		return &row, false, nil
	}

	// A read transition straight from "sent" implies delivery happened too.
	if status == models.DeliveryRead && row.DeliveredAt == nil {
		if uerr := r.db.Write.WithContext(ctx).Model(&row).
			Update("delivered_at", now).Error; uerr == nil {
			row.DeliveredAt = &now
		}
	}
	return &row, true, nil
}

// BulkMarkDelivered flips "sent" rows to "delivered" for the given
// recipients of one message. Rows already past "sent" are untouched.
func (r *deliveryRepository) BulkMarkDelivered(ctx context.Context, messageID uuid.UUID, userIDs []uuid.UUID) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := r.db.Write.WithContext(ctx).Model(&models.Delivery{}).
		Where("message_id = ? AND user_id IN ? AND status = ?", messageID, userIDs, models.DeliverySent).
		Updates(map[string]interface{}{
			"status":       models.DeliveryDelivered,
			"delivered_at": time.Now(),
		})
	if res.Error != nil {
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}

// BulkMarkRead marks everything up to and including a message as read for
// one user within one chat, returning the ids of the messages whose rows
// actually flipped so read receipts can fan out.
func (r *deliveryRepository) BulkMarkRead(ctx context.Context, chatID, userID, upToMessageID uuid.UUID) ([]uuid.UUID, error) {
	var flipped []uuid.UUID

	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target models.Message
		if err := tx.First(&target, "id = ? AND chat_id = ?", upToMessageID, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("message", upToMessageID)
			}
			return err
		}

		var ids []uuid.UUID
		err := tx.Model(&models.Delivery{}).
			Joins("JOIN messages ON messages.id = deliveries.message_id").
			Where("messages.chat_id = ? AND deliveries.user_id = ? AND deliveries.status <> ?",
				chatID, userID, models.DeliveryRead).
			Where("(messages.created_at < ?) OR (messages.created_at = ? AND messages.id <= ?)",
				target.CreatedAt, target.CreatedAt, target.ID).
			Pluck("deliveries.message_id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now()
		if err := tx.Model(&models.Delivery{}).
			Where("message_id IN ? AND user_id = ? AND status <> ?", ids, userID, models.DeliveryRead).
			Updates(map[string]interface{}{
				"status":  models.DeliveryRead,
				"read_at": now,
			}).Error; err != nil {
			return err
		}
		// Rows that skipped "delivered" get their timestamp backfilled.
		if err := tx.Model(&models.Delivery{}).
			Where("message_id IN ? AND user_id = ? AND delivered_at IS NULL", ids, userID).
			Update("delivered_at", now).Error; err != nil {
			return err
		}
		flipped = ids
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, models.NewInternalError(err)
	}
	return flipped, nil
}

func (r *deliveryRepository) ListStatuses(ctx context.Context, messageID uuid.UUID) ([]models.Delivery, error) {
	var rows []models.Delivery
	err := r.db.Reader().WithContext(ctx).
		Where("message_id = ?", messageID).
		Find(&rows).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return rows, nil
}

// ListUndelivered returns the oldest messages still marked "sent" toward a
// user, in chat-insertion order, for replay on reconnect.
func (r *deliveryRepository) ListUndelivered(ctx context.Context, userID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	var messages []models.Message
	err := r.db.Write.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN deliveries ON deliveries.message_id = messages.id").
		Where("deliveries.user_id = ? AND deliveries.status = ?", userID, models.DeliverySent).
		Preload("Sender").
		Order("messages.created_at ASC, messages.id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

// ListStaleSent finds messages inside the reconciliation window that still
// have "sent" deliveries, grouped per message for re-enqueueing.
func (r *deliveryRepository) ListStaleSent(ctx context.Context, since, until time.Time, limit int) ([]StaleDelivery, error) {
	type row struct {
		MessageID uuid.UUID
		ChatID    uuid.UUID
		UserID    uuid.UUID
		CreatedAt time.Time
	}
	var rows []row
	err := r.db.Reader().WithContext(ctx).Model(&models.Delivery{}).
		Select("deliveries.message_id, messages.chat_id, deliveries.user_id, messages.created_at").
		Joins("JOIN messages ON messages.id = deliveries.message_id").
		Where("deliveries.status = ? AND messages.created_at >= ? AND messages.created_at < ?",
			models.DeliverySent, since, until).
		Order("messages.created_at ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	byMessage := make(map[uuid.UUID]*StaleDelivery)
	var order []uuid.UUID
	for _, r := range rows {
		entry, ok := byMessage[r.MessageID]
		if !ok {
			entry = &StaleDelivery{MessageID: r.MessageID, ChatID: r.ChatID, CreatedAt: r.CreatedAt}
			byMessage[r.MessageID] = entry
			order = append(order, r.MessageID)
		}
		entry.Recipients = append(entry.Recipients, r.UserID)
	}

	out := make([]StaleDelivery, 0, len(order))
	for _, id := range order {
		out = append(out, *byMessage[id])
	}
	return out, nil
}
