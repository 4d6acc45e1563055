package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatRepository defines persistence operations for chats and their
// participant rosters.
type ChatRepository interface {
	CreateDirect(ctx context.Context, a, b uuid.UUID) (*models.Chat, bool, error)
	CreateGroup(ctx context.Context, chat *models.Chat, memberIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	GetParticipant(ctx context.Context, chatID, userID uuid.UUID) (*models.Participant, error)
	ListActiveParticipantIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	ListUserChats(ctx context.Context, userID uuid.UUID) ([]models.ChatSummary, error)
	ListUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListContactIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	AddParticipants(ctx context.Context, chatID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error)
	UpdateInfo(ctx context.Context, chatID uuid.UUID, name, avatarRef *string) error
	SoftDelete(ctx context.Context, chatID uuid.UUID) error
	Leave(ctx context.Context, chatID, userID uuid.UUID) error
	UpdateRole(ctx context.Context, chatID, userID uuid.UUID, role string) error
	TransferOwnership(ctx context.Context, chatID, newOwnerID uuid.UUID) error
	SetLastRead(ctx context.Context, chatID, userID, messageID uuid.UUID) error
}

type chatRepository struct {
	db *database.DB
}

// NewChatRepository returns a new ChatRepository implementation.
func NewChatRepository(db *database.DB) ChatRepository {
	return &chatRepository{db: db}
}

// directPairKey normalizes a participant pair so both argument orders map to
// the same unique-index value.
func directPairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}

// findDirectByKey locates the direct chat for a normalized pair key.
func findDirectByKey(tx *gorm.DB, key string) (*models.Chat, error) {
	var chat models.Chat
	err := tx.
		Where("direct_key = ? AND deleted = ?", key, false).
		First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &chat, nil
}

// CreateDirect returns the direct chat between two users, creating it when
// none exists. The bool reports whether a new chat was created. Both
// argument orders resolve to the same chat; the unique index on the pair key
// guarantees that even when mirror-image requests race.
func (r *chatRepository) CreateDirect(ctx context.Context, a, b uuid.UUID) (*models.Chat, bool, error) {
	key := directPairKey(a, b)
	var chat *models.Chat
	created := false

	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findDirectByKey(tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			chat = existing
			return nil
		}

		fresh := &models.Chat{Kind: models.ChatDirect, DirectKey: &key}
		if err := tx.Create(fresh).Error; err != nil {
			return err
		}
		now := time.Now()
		participants := []models.Participant{
			{ChatID: fresh.ID, UserID: a, Role: models.RoleMember, JoinedAt: now},
			{ChatID: fresh.ID, UserID: b, Role: models.RoleMember, JoinedAt: now},
		}
		if err := tx.Create(&participants).Error; err != nil {
			return err
		}
		chat = fresh
		created = true
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			// Lost the race against the mirror-image request: fetch the winner.
			existing, ferr := findDirectByKey(r.db.Write.WithContext(ctx), key)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, models.NewInternalError(err)
	}
	return chat, created, nil
}

// CreateGroup creates a group chat with the owner plus the given members.
// chat.OwnerID must be set; memberIDs must not contain the owner.
func (r *chatRepository) CreateGroup(ctx context.Context, chat *models.Chat, memberIDs []uuid.UUID) error {
	if chat.OwnerID == nil {
		return models.NewInternalError(errors.New("group chat requires an owner"))
	}
	if len(memberIDs)+1 > models.MaxGroupParticipants {
		return models.NewValidationError(
			fmt.Sprintf("group chats are limited to %d participants", models.MaxGroupParticipants))
	}

	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat.Kind = models.ChatGroup
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		now := time.Now()
		participants := []models.Participant{
			{ChatID: chat.ID, UserID: *chat.OwnerID, Role: models.RoleOwner, JoinedAt: now},
		}
		for _, id := range memberIDs {
			participants = append(participants, models.Participant{
				ChatID: chat.ID, UserID: id, Role: models.RoleMember, JoinedAt: now,
			})
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("chat slug already taken")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.Reader().WithContext(ctx).
		Preload("Participants", "left_at IS NULL").
		Preload("Participants.User").
		First(&chat, "id = ? AND deleted = ?", id, false).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("chat", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &chat, nil
}

// GetParticipant returns the participant row for a user in a chat, including
// rows where the user has left. A nil row with nil error means the user was
// never a member.
func (r *chatRepository) GetParticipant(ctx context.Context, chatID, userID uuid.UUID) (*models.Participant, error) {
	var p models.Participant
	err := r.db.Write.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &p, nil
}

func (r *chatRepository) ListActiveParticipantIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Reader().WithContext(ctx).Model(&models.Participant{}).
		Where("chat_id = ? AND left_at IS NULL", chatID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// ListUserChats returns the caller's active chats newest-activity-first,
// each with its unread counter and latest visible message.
func (r *chatRepository) ListUserChats(ctx context.Context, userID uuid.UUID) ([]models.ChatSummary, error) {
	var chats []models.Chat
	err := r.db.Reader().WithContext(ctx).
		Joins("JOIN participants p ON p.chat_id = chats.id").
		Where("p.user_id = ? AND p.left_at IS NULL AND chats.deleted = ?", userID, false).
		Preload("Participants", "left_at IS NULL").
		Preload("Participants.User").
		Order("chats.last_message_at DESC NULLS LAST").
		Find(&chats).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	summaries := make([]models.ChatSummary, 0, len(chats))
	if len(chats) == 0 {
		return summaries, nil
	}

	chatIDs := make([]uuid.UUID, len(chats))
	for i := range chats {
		chatIDs[i] = chats[i].ID
	}

	// One query for all latest messages: rank per chat with a window function
	// and keep rank 1, rather than a lookup per chat.
	reader := r.db.Reader().WithContext(ctx)
	ranked := reader.Model(&models.Message{}).
		Select("id, ROW_NUMBER() OVER (PARTITION BY chat_id ORDER BY created_at DESC, id DESC) AS rn").
		Where("chat_id IN ?", chatIDs)
	var lastMessages []models.Message
	err = reader.
		Preload("Sender").
		Where("id IN (?)", reader.Table("(?) AS ranked", ranked).Select("id").Where("rn = 1")).
		Find(&lastMessages).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	lastByChat := make(map[uuid.UUID]*models.Message, len(lastMessages))
	for i := range lastMessages {
		lastByChat[lastMessages[i].ChatID] = &lastMessages[i]
	}

	for i := range chats {
		summary := models.ChatSummary{Chat: chats[i], LastMessage: lastByChat[chats[i].ID]}
		for _, p := range chats[i].Participants {
			if p.UserID == userID {
				summary.UnreadCount = p.UnreadCount
				break
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (r *chatRepository) ListUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Reader().WithContext(ctx).Model(&models.Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// ListContactIDs returns the users who share a direct chat with the given
// user. Presence transitions fan out to this set.
func (r *chatRepository) ListContactIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Reader().WithContext(ctx).Model(&models.Participant{}).
		Distinct("participants.user_id").
		Joins("JOIN chats ON chats.id = participants.chat_id AND chats.kind = ?", models.ChatDirect).
		Joins("JOIN participants mine ON mine.chat_id = participants.chat_id AND mine.user_id = ? AND mine.left_at IS NULL", userID).
		Where("participants.user_id <> ? AND participants.left_at IS NULL", userID).
		Pluck("participants.user_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// AddParticipants adds users to a group chat, re-activating any who left
// earlier. The active roster is counted inside the transaction so concurrent
// adds cannot exceed the cap. Returns the ids actually added.
func (r *chatRepository) AddParticipants(ctx context.Context, chatID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	var added []uuid.UUID

	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, "id = ? AND deleted = ?", chatID, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("chat", chatID)
			}
			return err
		}
		if chat.Kind != models.ChatGroup {
			return models.NewValidationError("participants can only be added to group chats")
		}

		var active int64
		if err := tx.Model(&models.Participant{}).
			Where("chat_id = ? AND left_at IS NULL", chatID).
			Count(&active).Error; err != nil {
			return err
		}

		now := time.Now()
		for _, id := range userIDs {
			var existing models.Participant
			err := tx.Where("chat_id = ? AND user_id = ?", chatID, id).First(&existing).Error
			switch {
			case err == nil && existing.LeftAt == nil:
				// Already an active member, skip silently.
				continue
			case err == nil:
				if active+1 > int64(models.MaxGroupParticipants) {
					return models.NewConflictError(
						fmt.Sprintf("group chats are limited to %d participants", models.MaxGroupParticipants))
				}
				updates := map[string]interface{}{
					"left_at":      nil,
					"joined_at":    now,
					"role":         models.RoleMember,
					"unread_count": 0,
				}
				if err := tx.Model(&existing).Updates(updates).Error; err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				if active+1 > int64(models.MaxGroupParticipants) {
					return models.NewConflictError(
						fmt.Sprintf("group chats are limited to %d participants", models.MaxGroupParticipants))
				}
				p := models.Participant{ChatID: chatID, UserID: id, Role: models.RoleMember, JoinedAt: now}
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
			default:
				return err
			}
			active++
			added = append(added, id)
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
	return added, nil
}

// UpdateInfo applies a partial update to a chat's name and avatar. Nil
// fields are left untouched.
func (r *chatRepository) UpdateInfo(ctx context.Context, chatID uuid.UUID, name, avatarRef *string) error {
	updates := map[string]interface{}{}
	if name != nil {
		updates["name"] = *name
	}
	if avatarRef != nil {
		updates["avatar_ref"] = *avatarRef
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.db.Write.WithContext(ctx).Model(&models.Chat{}).
		Where("id = ? AND deleted = ?", chatID, false).
		Updates(updates)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("chat", chatID)
	}
	return nil
}

// SoftDelete flags a chat deleted. History rows stay in place; every read
// path filters on the flag, so the chat disappears from listings and lookups.
func (r *chatRepository) SoftDelete(ctx context.Context, chatID uuid.UUID) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Chat{}).
		Where("id = ? AND deleted = ?", chatID, false).
		Update("deleted", true)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("chat", chatID)
	}
	return nil
}

func (r *chatRepository) Leave(ctx context.Context, chatID, userID uuid.UUID) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Participant{}).
		Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		Update("left_at", time.Now())
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("participant", userID)
	}
	return nil
}

func (r *chatRepository) UpdateRole(ctx context.Context, chatID, userID uuid.UUID, role string) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Participant{}).
		Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		Update("role", role)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("participant", userID)
	}
	return nil
}

// TransferOwnership moves group ownership to another active member, demoting
// nobody: the previous owner keeps admin rights.
func (r *chatRepository) TransferOwnership(ctx context.Context, chatID, newOwnerID uuid.UUID) error {
	err := r.db.Write.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, "id = ? AND deleted = ?", chatID, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("chat", chatID)
			}
			return err
		}
		res := tx.Model(&models.Participant{}).
			Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, newOwnerID).
			Update("role", models.RoleOwner)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("participant", newOwnerID)
		}
		if chat.OwnerID != nil {
			if err := tx.Model(&models.Participant{}).
				Where("chat_id = ? AND user_id = ?", chatID, *chat.OwnerID).
				Update("role", models.RoleAdmin).Error; err != nil {
				return err
			}
		}
		return tx.Model(&chat).Update("owner_id", newOwnerID).Error
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return models.NewInternalError(err)
	}
	return nil
}

// SetLastRead advances the participant's read marker and resets the unread
// counter.
func (r *chatRepository) SetLastRead(ctx context.Context, chatID, userID, messageID uuid.UUID) error {
	err := r.db.Write.WithContext(ctx).Model(&models.Participant{}).
		Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		Updates(map[string]interface{}{
			"last_read_message_id": messageID,
			"unread_count":         0,
		}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
