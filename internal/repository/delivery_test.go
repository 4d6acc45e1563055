package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryRepositorySetStatus(t *testing.T) {
	db := setupTestDB(t)
	chatRepo := NewChatRepository(db)
	msgRepo := NewMessageRepository(db)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()
	users := createTestUsers(t, db, 2)

	chat, _, err := chatRepo.CreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	senderID := users[0].ID

	newMessage := func(t *testing.T) *models.Message {
		t.Helper()
		msg := &models.Message{ChatID: chat.ID, SenderID: &senderID, Body: "ping", Kind: models.MessageText}
		require.NoError(t, msgRepo.PersistMessage(ctx, msg, []uuid.UUID{users[1].ID}))
		return msg
	}

	t.Run("SentToDeliveredToRead", func(t *testing.T) {
		msg := newMessage(t)

		row, changed, err := repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryDelivered)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.DeliveryDelivered, row.Status)
		assert.NotNil(t, row.DeliveredAt)
		assert.Nil(t, row.ReadAt)

		row, changed, err = repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryRead)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.DeliveryRead, row.Status)
		assert.NotNil(t, row.ReadAt)
	})

	t.Run("RepeatIsIdempotent", func(t *testing.T) {
		msg := newMessage(t)

		_, _, err := repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryDelivered)
		require.NoError(t, err)
		row, changed, err := repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryDelivered)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.DeliveryDelivered, row.Status)
	})

	t.Run("RegressionIsConflict", func(t *testing.T) {
		msg := newMessage(t)

		_, _, err := repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryRead)
		require.NoError(t, err)
		_, _, err = repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryDelivered)
		assert.True(t, models.IsKind(err, models.ErrConflict))
	})

	t.Run("ReadStraightFromSentBackfillsDelivery", func(t *testing.T) {
		msg := newMessage(t)

		row, changed, err := repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliveryRead)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.DeliveryRead, row.Status)
		assert.NotNil(t, row.DeliveredAt)
		assert.NotNil(t, row.ReadAt)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		msg := newMessage(t)
		_, _, err := repo.SetStatus(ctx, msg.ID, users[1].ID, "seen")
		assert.True(t, models.IsKind(err, models.ErrInvalidInput))
		_, _, err = repo.SetStatus(ctx, msg.ID, users[1].ID, models.DeliverySent)
		assert.True(t, models.IsKind(err, models.ErrInvalidInput))
	})

	t.Run("MissingRow", func(t *testing.T) {
		_, _, err := repo.SetStatus(ctx, uuid.New(), users[1].ID, models.DeliveryDelivered)
		assert.True(t, models.IsKind(err, models.ErrNotFound))
	})
}

func TestDeliveryRepositoryBulk(t *testing.T) {
	db := setupTestDB(t)
	chatRepo := NewChatRepository(db)
	msgRepo := NewMessageRepository(db)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()
	users := createTestUsers(t, db, 3)

	ownerID := users[0].ID
	chat := &models.Chat{Name: "Lunch Crew", OwnerID: &ownerID}
	require.NoError(t, chatRepo.CreateGroup(ctx, chat, []uuid.UUID{users[1].ID, users[2].ID}))

	senderID := users[0].ID
	recipients := []uuid.UUID{users[1].ID, users[2].ID}
	base := time.Now().Add(-time.Hour)
	messages := make([]*models.Message, 0, 3)
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			ChatID:    chat.ID,
			SenderID:  &senderID,
			Body:      fmt.Sprintf("note %d", i),
			Kind:      models.MessageText,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, msgRepo.PersistMessage(ctx, msg, recipients))
		messages = append(messages, msg)
	}

	t.Run("BulkMarkDelivered", func(t *testing.T) {
		n, err := repo.BulkMarkDelivered(ctx, messages[0].ID, recipients)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// Second pass finds nothing left at "sent".
		n, err = repo.BulkMarkDelivered(ctx, messages[0].ID, recipients)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("BulkMarkRead", func(t *testing.T) {
		// Reading up to the second message flips the first two only.
		flipped, err := repo.BulkMarkRead(ctx, chat.ID, users[1].ID, messages[1].ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{messages[0].ID, messages[1].ID}, flipped)

		rows, err := repo.ListStatuses(ctx, messages[1].ID)
		require.NoError(t, err)
		for _, row := range rows {
			if row.UserID == users[1].ID {
				assert.Equal(t, models.DeliveryRead, row.Status)
				assert.NotNil(t, row.DeliveredAt)
				assert.NotNil(t, row.ReadAt)
			}
		}

		// The other recipient is untouched.
		undelivered, err := repo.ListUndelivered(ctx, users[2].ID, 10)
		require.NoError(t, err)
		assert.Len(t, undelivered, 2)

		// Re-reading the same watermark flips nothing new.
		flipped, err = repo.BulkMarkRead(ctx, chat.ID, users[1].ID, messages[1].ID)
		require.NoError(t, err)
		assert.Empty(t, flipped)
	})

	t.Run("BulkMarkReadWrongChat", func(t *testing.T) {
		_, err := repo.BulkMarkRead(ctx, uuid.New(), users[1].ID, messages[0].ID)
		assert.True(t, models.IsKind(err, models.ErrNotFound))
	})

	t.Run("ListUndeliveredOldestFirst", func(t *testing.T) {
		undelivered, err := repo.ListUndelivered(ctx, users[1].ID, 10)
		require.NoError(t, err)
		require.Len(t, undelivered, 1)
		assert.Equal(t, messages[2].ID, undelivered[0].ID)
	})

	t.Run("ListStaleSent", func(t *testing.T) {
		stale, err := repo.ListStaleSent(ctx, base.Add(-time.Minute), time.Now(), 100)
		require.NoError(t, err)

		byMessage := make(map[uuid.UUID]StaleDelivery, len(stale))
		for _, s := range stale {
			byMessage[s.MessageID] = s
		}
		// messages[0] is fully delivered; messages[1] still has one "sent"
		// recipient; messages[2] has both.
		_, ok := byMessage[messages[0].ID]
		assert.False(t, ok)
		require.Contains(t, byMessage, messages[1].ID)
		assert.ElementsMatch(t, []uuid.UUID{users[2].ID}, byMessage[messages[1].ID].Recipients)
		require.Contains(t, byMessage, messages[2].ID)
		assert.Len(t, byMessage[messages[2].ID].Recipients, 2)
		assert.Equal(t, chat.ID, byMessage[messages[2].ID].ChatID)
	})
}
