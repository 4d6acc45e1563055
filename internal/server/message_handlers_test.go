package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditMessage(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "edit_alice")
	bob := registerAccount(t, app, "edit_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "draft wording")

	resp := doJSON(t, app, http.MethodPatch, "/api/messages/"+messageID.String(), alice.access,
		map[string]string{"body": "final wording"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeBody(t, resp)["message"].(map[string]interface{})
	assert.Equal(t, "final wording", msg["body"])
	assert.Equal(t, true, msg["edited"])

	// The prior body is archived and visible to chat members.
	resp = doJSON(t, app, http.MethodGet, "/api/messages/"+messageID.String()+"/history", bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody(t, resp)["history"].([]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "draft wording", history[0].(map[string]interface{})["prior_body"])

	t.Run("OnlySenderCanEdit", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPatch, "/api/messages/"+messageID.String(), bob.access,
			map[string]string{"body": "hijacked"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPatch, "/api/messages/"+uuid.NewString(), alice.access,
			map[string]string{"body": "whatever"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestDeleteMessage(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "del_alice")
	bob := registerAccount(t, app, "del_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "regrettable")

	// A peer in a direct chat cannot remove the sender's message.
	resp := doJSON(t, app, http.MethodDelete, "/api/messages/"+messageID.String(), bob.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, app, http.MethodDelete, "/api/messages/"+messageID.String(), alice.access, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The tombstone survives in place of the body.
	resp = doJSON(t, app, http.MethodGet, "/api/messages/"+messageID.String(), bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeBody(t, resp)["message"].(map[string]interface{})
	assert.Equal(t, true, msg["deleted"])
	assert.Equal(t, "[message deleted]", msg["body"])

	// Editing a deleted message is impossible.
	resp = doJSON(t, app, http.MethodPatch, "/api/messages/"+messageID.String(), alice.access,
		map[string]string{"body": "resurrect"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroupAdminCanDeleteMessages(t *testing.T) {
	_, app := setupTestServer(t)
	owner := registerAccount(t, app, "moddel_owner")
	member := registerAccount(t, app, "moddel_member")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/group", owner.access, map[string]interface{}{
		"name":           "moderated",
		"participantIds": []string{member.id.String()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chat := decodeBody(t, resp)["chat"].(map[string]interface{})
	chatID := chat["id"].(string)

	var messageID string
	{
		resp := doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/messages", member.access,
			map[string]string{"body": "spam spam spam"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		messageID = decodeBody(t, resp)["message"].(map[string]interface{})["id"].(string)
	}

	resp = doJSON(t, app, http.MethodDelete, "/api/messages/"+messageID, owner.access, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestReactToMessage(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "react_alice")
	bob := registerAccount(t, app, "react_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "look at this")

	target := fmt.Sprintf("/api/messages/%s/reactions", messageID)

	// First call adds, second call removes.
	resp := doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"glyph": "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["present"])

	resp = doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"glyph": "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["present"])

	t.Run("EmptyGlyph", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"glyph": ""})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("DeletedMessage", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodDelete, "/api/messages/"+messageID.String(), alice.access, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"glyph": "👍"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSetMessageReceipt(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "receipt_alice")
	bob := registerAccount(t, app, "receipt_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "receipt me")

	target := fmt.Sprintf("/api/messages/%s/receipt", messageID)

	resp := doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"status": "delivered"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	row := decodeBody(t, resp)["delivery"].(map[string]interface{})
	assert.Equal(t, "delivered", row["status"])
	assert.NotNil(t, row["delivered_at"])

	resp = doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"status": "read"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	row = decodeBody(t, resp)["delivery"].(map[string]interface{})
	assert.Equal(t, "read", row["status"])

	t.Run("SenderHasNoReceiptRow", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, target, alice.access, map[string]string{"status": "delivered"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, target, bob.access, map[string]string{"status": "seen"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestReadReceiptGoesToSender(t *testing.T) {
	s, app := setupTestServer(t)
	alice := registerAccount(t, app, "rr_alice")
	bob := registerAccount(t, app, "rr_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "read me")

	ctx := context.Background()
	sub := s.redis.PSubscribe(ctx, "chat:*", "user:*")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	events := sub.Channel()

	resp := doJSON(t, app, http.MethodPost,
		fmt.Sprintf("/api/messages/%s/receipt", messageID), bob.access,
		map[string]string{"status": "read"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The receipt lands on the sender's user topic, not the chat topic.
	select {
	case msg := <-events:
		assert.Equal(t, "user:"+alice.id.String(), msg.Channel)
		assert.Contains(t, msg.Payload, "read-updated")
	case <-time.After(2 * time.Second):
		t.Fatal("no read receipt published")
	}
}

func TestMarkChatReadReceiptsGoToSender(t *testing.T) {
	s, app := setupTestServer(t)
	alice := registerAccount(t, app, "mcr_alice")
	bob := registerAccount(t, app, "mcr_bob")
	chatID := openDirectChat(t, app, alice, bob.id)
	sendMessage(t, app, alice, chatID, "first")
	lastID := sendMessage(t, app, alice, chatID, "second")

	ctx := context.Background()
	sub := s.redis.PSubscribe(ctx, "chat:*", "user:*")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	events := sub.Channel()

	resp := doJSON(t, app, http.MethodPost,
		fmt.Sprintf("/api/chats/%s/read", chatID), bob.access,
		map[string]string{"messageId": lastID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decodeBody(t, resp)["read"])

	// One receipt per flipped message, all on the sender's user topic.
	for i := 0; i < 2; i++ {
		select {
		case msg := <-events:
			assert.Equal(t, "user:"+alice.id.String(), msg.Channel)
			assert.Contains(t, msg.Payload, "read-updated")
		case <-time.After(2 * time.Second):
			t.Fatal("missing read receipt")
		}
	}
}

func TestSearchMessages(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "msearch_alice")
	bob := registerAccount(t, app, "msearch_bob")
	carol := registerAccount(t, app, "msearch_carol")

	aliceBob := openDirectChat(t, app, alice, bob.id)
	bobCarol := openDirectChat(t, app, bob, carol.id)
	sendMessage(t, app, alice, aliceBob, "pizza on friday?")
	sendMessage(t, app, bob, bobCarol, "pizza was great")

	// Search is scoped to the caller's own chats.
	resp := doJSON(t, app, http.MethodGet, "/api/messages/search?q=pizza", alice.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decodeBody(t, resp)["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "pizza on friday?", messages[0].(map[string]interface{})["body"])

	resp = doJSON(t, app, http.MethodGet, "/api/messages/search?q=pizza", bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody(t, resp)["messages"].([]interface{}), 2)

	t.Run("ScopedToChat", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet,
			"/api/messages/search?q=pizza&chatId="+bobCarol.String(), bob.access, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		messages := decodeBody(t, resp)["messages"].([]interface{})
		require.Len(t, messages, 1)
		assert.Equal(t, "pizza was great", messages[0].(map[string]interface{})["body"])
	})

	t.Run("ScopedToForeignChat", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet,
			"/api/messages/search?q=pizza&chatId="+bobCarol.String(), alice.access, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("BadChatID", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet,
			"/api/messages/search?q=pizza&chatId=not-a-uuid", alice.access, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("QueryTooShort", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet, "/api/messages/search?q=p", alice.access, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
