package repository

import (
	"context"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRepositoryDirect(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := createTestUsers(t, db, 3)

	t.Run("CreateDirect", func(t *testing.T) {
		chat, created, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, models.ChatDirect, chat.Kind)

		ids, err := repo.ListActiveParticipantIDs(ctx, chat.ID)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	})

	t.Run("CreateDirectIdempotent", func(t *testing.T) {
		first, created, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)
		assert.False(t, created)

		// The mirror-image request resolves to the same chat.
		mirror, created, err := repo.CreateDirect(ctx, users[1].ID, users[0].ID)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, mirror.ID)
	})

	t.Run("PairKeyIsUnique", func(t *testing.T) {
		// Concurrent mirror-image creates both pass the existence check; the
		// unique index on the normalized pair key is what stops the second
		// insert from committing a duplicate.
		chat, _, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)
		require.NotNil(t, chat.DirectKey)
		assert.Equal(t, directPairKey(users[1].ID, users[0].ID), *chat.DirectKey)

		dup := &models.Chat{Kind: models.ChatDirect, DirectKey: chat.DirectKey}
		err = db.Write.Create(dup).Error
		assert.True(t, isUniqueConstraintError(err))
	})

	t.Run("DistinctPairsGetDistinctChats", func(t *testing.T) {
		ab, _, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)
		ac, created, err := repo.CreateDirect(ctx, users[0].ID, users[2].ID)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, ab.ID, ac.ID)
	})
}

func TestChatRepositoryGroup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	users := createTestUsers(t, db, 5)

	newGroup := func(t *testing.T, memberIDs ...uuid.UUID) *models.Chat {
		t.Helper()
		ownerID := users[0].ID
		chat := &models.Chat{Name: "Weekend Plans", OwnerID: &ownerID}
		require.NoError(t, repo.CreateGroup(ctx, chat, memberIDs))
		return chat
	}

	t.Run("CreateGroup", func(t *testing.T) {
		chat := newGroup(t, users[1].ID, users[2].ID)
		assert.Equal(t, models.ChatGroup, chat.Kind)

		owner, err := repo.GetParticipant(ctx, chat.ID, users[0].ID)
		require.NoError(t, err)
		require.NotNil(t, owner)
		assert.Equal(t, models.RoleOwner, owner.Role)

		member, err := repo.GetParticipant(ctx, chat.ID, users[1].ID)
		require.NoError(t, err)
		require.NotNil(t, member)
		assert.Equal(t, models.RoleMember, member.Role)
	})

	t.Run("GetParticipantNeverMember", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)
		p, err := repo.GetParticipant(ctx, chat.ID, users[4].ID)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("CreateGroupOverCap", func(t *testing.T) {
		members := make([]uuid.UUID, models.MaxGroupParticipants)
		for i := range members {
			members[i] = uuid.New()
		}
		ownerID := users[0].ID
		chat := &models.Chat{Name: "Too Big", OwnerID: &ownerID}
		err := repo.CreateGroup(ctx, chat, members)
		assert.True(t, models.IsKind(err, models.ErrInvalidInput))
	})

	t.Run("AddParticipants", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)

		added, err := repo.AddParticipants(ctx, chat.ID, []uuid.UUID{users[2].ID, users[3].ID})
		require.NoError(t, err)
		assert.Len(t, added, 2)

		// Adding an existing active member is silently skipped.
		added, err = repo.AddParticipants(ctx, chat.ID, []uuid.UUID{users[2].ID})
		require.NoError(t, err)
		assert.Empty(t, added)
	})

	t.Run("AddParticipantsDirectChatRejected", func(t *testing.T) {
		direct, _, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)
		_, err = repo.AddParticipants(ctx, direct.ID, []uuid.UUID{users[2].ID})
		assert.True(t, models.IsKind(err, models.ErrInvalidInput))
	})

	t.Run("AddParticipantsAtCapRejected", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)

		// Fill the roster to the cap with synthetic members.
		now := time.Now()
		rows := make([]models.Participant, 0, models.MaxGroupParticipants-2)
		for i := 0; i < models.MaxGroupParticipants-2; i++ {
			rows = append(rows, models.Participant{
				ChatID: chat.ID, UserID: uuid.New(), Role: models.RoleMember, JoinedAt: now,
			})
		}
		require.NoError(t, db.Write.CreateInBatches(&rows, 100).Error)

		_, err := repo.AddParticipants(ctx, chat.ID, []uuid.UUID{users[2].ID})
		assert.True(t, models.IsKind(err, models.ErrConflict))

		// Freeing one seat lets the same add go through.
		require.NoError(t, repo.Leave(ctx, chat.ID, rows[0].UserID))
		added, err := repo.AddParticipants(ctx, chat.ID, []uuid.UUID{users[2].ID})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{users[2].ID}, added)
	})

	t.Run("LeaveAndRejoin", func(t *testing.T) {
		chat := newGroup(t, users[1].ID, users[2].ID)

		require.NoError(t, repo.Leave(ctx, chat.ID, users[2].ID))
		ids, err := repo.ListActiveParticipantIDs(ctx, chat.ID)
		require.NoError(t, err)
		assert.NotContains(t, ids, users[2].ID)

		// Leaving twice is a not-found.
		err = repo.Leave(ctx, chat.ID, users[2].ID)
		assert.True(t, models.IsKind(err, models.ErrNotFound))

		// Re-adding re-activates the old row with a fresh membership.
		added, err := repo.AddParticipants(ctx, chat.ID, []uuid.UUID{users[2].ID})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{users[2].ID}, added)

		p, err := repo.GetParticipant(ctx, chat.ID, users[2].ID)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Nil(t, p.LeftAt)
		assert.Equal(t, 0, p.UnreadCount)
	})

	t.Run("TransferOwnership", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)

		require.NoError(t, repo.TransferOwnership(ctx, chat.ID, users[1].ID))

		refreshed, err := repo.GetByID(ctx, chat.ID)
		require.NoError(t, err)
		require.NotNil(t, refreshed.OwnerID)
		assert.Equal(t, users[1].ID, *refreshed.OwnerID)

		newOwner, err := repo.GetParticipant(ctx, chat.ID, users[1].ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleOwner, newOwner.Role)

		// The previous owner keeps admin rights.
		prev, err := repo.GetParticipant(ctx, chat.ID, users[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, prev.Role)
	})

	t.Run("TransferToNonMember", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)
		err := repo.TransferOwnership(ctx, chat.ID, users[4].ID)
		assert.True(t, models.IsKind(err, models.ErrNotFound))
	})

	t.Run("UpdateInfo", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)

		name := "Renamed Plans"
		require.NoError(t, repo.UpdateInfo(ctx, chat.ID, &name, nil))

		refreshed, err := repo.GetByID(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed Plans", refreshed.Name)
		// Untouched fields keep their values.
		assert.Equal(t, chat.AvatarRef, refreshed.AvatarRef)

		// All-nil update is a no-op, not an error.
		require.NoError(t, repo.UpdateInfo(ctx, chat.ID, nil, nil))
	})

	t.Run("SoftDelete", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)

		require.NoError(t, repo.SoftDelete(ctx, chat.ID))

		_, err := repo.GetByID(ctx, chat.ID)
		assert.True(t, models.IsKind(err, models.ErrNotFound))

		// Deleting twice is a not-found, as is updating a deleted chat.
		err = repo.SoftDelete(ctx, chat.ID)
		assert.True(t, models.IsKind(err, models.ErrNotFound))
		name := "ghost"
		err = repo.UpdateInfo(ctx, chat.ID, &name, nil)
		assert.True(t, models.IsKind(err, models.ErrNotFound))
	})

	t.Run("UpdateRole", func(t *testing.T) {
		chat := newGroup(t, users[1].ID)
		require.NoError(t, repo.UpdateRole(ctx, chat.ID, users[1].ID, models.RoleAdmin))
		p, err := repo.GetParticipant(ctx, chat.ID, users[1].ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, p.Role)
	})
}

func TestChatRepositoryListings(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	msgRepo := NewMessageRepository(db)
	ctx := context.Background()
	users := createTestUsers(t, db, 4)

	directAB, _, err := repo.CreateDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	directAC, _, err := repo.CreateDirect(ctx, users[0].ID, users[2].ID)
	require.NoError(t, err)

	ownerID := users[3].ID
	group := &models.Chat{Name: "Road Trip", OwnerID: &ownerID}
	require.NoError(t, repo.CreateGroup(ctx, group, []uuid.UUID{users[0].ID}))

	t.Run("ListUserChatIDs", func(t *testing.T) {
		ids, err := repo.ListUserChatIDs(ctx, users[0].ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{directAB.ID, directAC.ID, group.ID}, ids)
	})

	t.Run("ListContactIDs", func(t *testing.T) {
		// Contacts are direct-chat peers only; group co-members don't count.
		ids, err := repo.ListContactIDs(ctx, users[0].ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{users[1].ID, users[2].ID}, ids)
	})

	t.Run("ListUserChats", func(t *testing.T) {
		senderID := users[1].ID
		msg := &models.Message{ChatID: directAB.ID, SenderID: &senderID, Body: "hey there", Kind: models.MessageText}
		require.NoError(t, msgRepo.PersistMessage(ctx, msg, []uuid.UUID{users[0].ID}))

		summaries, err := repo.ListUserChats(ctx, users[0].ID)
		require.NoError(t, err)
		require.Len(t, summaries, 3)

		// Chat with the newest message sorts first and carries the unread count.
		assert.Equal(t, directAB.ID, summaries[0].Chat.ID)
		assert.Equal(t, 1, summaries[0].UnreadCount)
		require.NotNil(t, summaries[0].LastMessage)
		assert.Equal(t, "hey there", summaries[0].LastMessage.Body)
	})

	t.Run("SetLastRead", func(t *testing.T) {
		var msg models.Message
		require.NoError(t, db.Write.First(&msg, "chat_id = ?", directAB.ID).Error)

		require.NoError(t, repo.SetLastRead(ctx, directAB.ID, users[0].ID, msg.ID))

		p, err := repo.GetParticipant(ctx, directAB.ID, users[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 0, p.UnreadCount)
		require.NotNil(t, p.LastReadMessageID)
		assert.Equal(t, msg.ID, *p.LastReadMessageID)
	})
}
