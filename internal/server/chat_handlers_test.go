package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openDirectChat opens (or fetches) the direct chat between the caller and
// the contact and returns its id.
func openDirectChat(t *testing.T, app *fiber.App, caller account, contactID uuid.UUID) uuid.UUID {
	t.Helper()
	resp := doJSON(t, app, http.MethodPost, "/api/chats/direct", caller.access, map[string]string{
		"contactId": contactID.String(),
	})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, resp.StatusCode)
	chat := decodeBody(t, resp)["chat"].(map[string]interface{})
	id, err := uuid.Parse(chat["id"].(string))
	require.NoError(t, err)
	return id
}

// sendMessage posts a text message and returns its id.
func sendMessage(t *testing.T, app *fiber.App, sender account, chatID uuid.UUID, body string) uuid.UUID {
	t.Helper()
	resp := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/chats/%s/messages", chatID), sender.access,
		map[string]string{"body": body})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody(t, resp)["message"].(map[string]interface{})
	id, err := uuid.Parse(msg["id"].(string))
	require.NoError(t, err)
	return id
}

func TestCreateDirectChatIdempotent(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "direct_alice")
	bob := registerAccount(t, app, "direct_bob")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/direct", alice.access, map[string]string{
		"contactId": bob.id.String(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody(t, resp)["chat"].(map[string]interface{})
	assert.Equal(t, "direct", first["kind"])

	// The mirrored call returns the same chat without creating a new one.
	resp = doJSON(t, app, http.MethodPost, "/api/chats/direct", bob.access, map[string]string{
		"contactId": alice.id.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody(t, resp)["chat"].(map[string]interface{})
	assert.Equal(t, first["id"], second["id"])

	t.Run("SelfChat", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/chats/direct", alice.access, map[string]string{
			"contactId": alice.id.String(),
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownContact", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/chats/direct", alice.access, map[string]string{
			"contactId": uuid.NewString(),
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("MalformedContact", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/chats/direct", alice.access, map[string]string{
			"contactId": "not-a-uuid",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDirectMessagingFlow(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "flow_alice")
	bob := registerAccount(t, app, "flow_bob")
	carol := registerAccount(t, app, "flow_carol")

	chatID := openDirectChat(t, app, alice, bob.id)
	messageID := sendMessage(t, app, alice, chatID, "hello bob")

	// Bob sees the message and an unread count of one.
	resp := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/chats/%s/messages", chatID), bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decodeBody(t, resp)["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "hello bob", messages[0].(map[string]interface{})["body"])

	resp = doJSON(t, app, http.MethodGet, "/api/chats", bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chats := decodeBody(t, resp)["chats"].([]interface{})
	require.Len(t, chats, 1)
	summary := chats[0].(map[string]interface{})
	assert.EqualValues(t, 1, summary["unread_count"])
	assert.Equal(t, "hello bob", summary["last_message"].(map[string]interface{})["body"])

	// Reading up to the message zeroes the unread count and flips receipts.
	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/chats/%s/read", chatID), bob.access,
		map[string]string{"messageId": messageID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decodeBody(t, resp)["read"])

	resp = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/messages/%s/deliveries", messageID), alice.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deliveries := decodeBody(t, resp)["deliveries"].([]interface{})
	require.Len(t, deliveries, 1)
	row := deliveries[0].(map[string]interface{})
	assert.Equal(t, bob.id.String(), row["user_id"])
	assert.Equal(t, "read", row["status"])

	// Receipts are monotonic: read cannot regress to delivered.
	resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/messages/%s/receipt", messageID), bob.access,
		map[string]string{"status": "delivered"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	t.Run("NonMemberIsForbidden", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/chats/%s/messages", chatID), carol.access, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/chats/%s/messages", chatID), carol.access,
			map[string]string{"body": "let me in"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("OversizedBody", func(t *testing.T) {
		huge := make([]byte, 10001)
		for i := range huge {
			huge[i] = 'a'
		}
		resp := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/chats/%s/messages", chatID), alice.access,
			map[string]string{"body": string(huge)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

func TestMessagePagination(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "page_alice")
	bob := registerAccount(t, app, "page_bob")
	chatID := openDirectChat(t, app, alice, bob.id)

	for i := 0; i < 5; i++ {
		sendMessage(t, app, alice, chatID, fmt.Sprintf("message %d", i))
	}

	// Newest first, two at a time.
	resp := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/chats/%s/messages?limit=2", chatID), bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	page := body["messages"].([]interface{})
	require.Len(t, page, 2)
	assert.Equal(t, "message 4", page[0].(map[string]interface{})["body"])
	cursor := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	resp = doJSON(t, app, http.MethodGet,
		fmt.Sprintf("/api/chats/%s/messages?limit=2&cursor=%s", chatID, cursor), bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decodeBody(t, resp)["messages"].([]interface{})
	require.Len(t, page, 2)
	assert.Equal(t, "message 2", page[0].(map[string]interface{})["body"])

	t.Run("MalformedCursor", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet,
			fmt.Sprintf("/api/chats/%s/messages?cursor=%s", chatID, "!!bogus!!"), bob.access, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGroupChatLifecycle(t *testing.T) {
	_, app := setupTestServer(t)
	owner := registerAccount(t, app, "group_owner")
	bob := registerAccount(t, app, "group_bob")
	carol := registerAccount(t, app, "group_carol")
	dave := registerAccount(t, app, "group_dave")
	stranger := registerAccount(t, app, "group_stranger")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/group", owner.access, map[string]interface{}{
		"name":           "weekend plans",
		"participantIds": []string{bob.id.String()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chat := decodeBody(t, resp)["chat"].(map[string]interface{})
	assert.Equal(t, "group", chat["kind"])
	assert.Equal(t, owner.id.String(), chat["owner_id"])
	chatID := chat["id"].(string)

	// Members can fetch the chat; outsiders cannot.
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, bob.access, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, stranger.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Plain members cannot grow the roster; the owner can.
	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/participants", bob.access,
		map[string][]string{"userIds": {carol.id.String()}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/participants", owner.access,
		map[string][]string{"userIds": {carol.id.String()}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	added := decodeBody(t, resp)["added"].([]interface{})
	require.Len(t, added, 1)
	assert.Equal(t, carol.id.String(), added[0])

	// Promoting bob lets him add members too.
	resp = doJSON(t, app, http.MethodPut,
		fmt.Sprintf("/api/chats/%s/participants/%s/role", chatID, bob.id), owner.access,
		map[string]string{"role": "admin"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/participants", bob.access,
		map[string][]string{"userIds": {dave.id.String()}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Only the owner may transfer; afterwards the old owner is demoted.
	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/transfer", bob.access,
		map[string]string{"newOwnerId": carol.id.String()})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/transfer", owner.access,
		map[string]string{"newOwnerId": bob.id.String()})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/transfer", owner.access,
		map[string]string{"newOwnerId": carol.id.String()})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The new owner cannot walk away while others remain.
	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/leave", bob.access, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A regular member can.
	resp = doJSON(t, app, http.MethodPost, "/api/chats/"+chatID+"/leave", carol.access, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, carol.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUpdateChat(t *testing.T) {
	_, app := setupTestServer(t)
	owner := registerAccount(t, app, "update_owner")
	bob := registerAccount(t, app, "update_bob")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/group", owner.access, map[string]interface{}{
		"name":           "project x",
		"participantIds": []string{bob.id.String()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chatID := decodeBody(t, resp)["chat"].(map[string]interface{})["id"].(string)

	// A plain member cannot rename the chat.
	resp = doJSON(t, app, http.MethodPatch, "/api/chats/"+chatID, bob.access,
		map[string]string{"name": "bob's chat"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner can; the avatar stays put when omitted.
	resp = doJSON(t, app, http.MethodPatch, "/api/chats/"+chatID, owner.access,
		map[string]string{"name": "project y"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := decodeBody(t, resp)["chat"].(map[string]interface{})
	assert.Equal(t, "project y", chat["name"])

	// Blank names are rejected.
	resp = doJSON(t, app, http.MethodPatch, "/api/chats/"+chatID, owner.access,
		map[string]string{"name": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteChat(t *testing.T) {
	_, app := setupTestServer(t)
	owner := registerAccount(t, app, "delete_owner")
	bob := registerAccount(t, app, "delete_bob")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/group", owner.access, map[string]interface{}{
		"name":           "short lived",
		"participantIds": []string{bob.id.String()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chatID := decodeBody(t, resp)["chat"].(map[string]interface{})["id"].(string)

	// Only the owner may delete.
	resp = doJSON(t, app, http.MethodDelete, "/api/chats/"+chatID, bob.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, app, http.MethodDelete, "/api/chats/"+chatID, owner.access, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Gone for everyone, including the owner.
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, owner.access, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, bob.access, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// And absent from listings.
	resp = doJSON(t, app, http.MethodGet, "/api/chats", bob.access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody(t, resp)["chats"])

	// Direct chats cannot be deleted.
	direct := openDirectChat(t, app, owner, bob.id)
	resp = doJSON(t, app, http.MethodDelete, "/api/chats/"+direct.String(), owner.access, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoveChatParticipant(t *testing.T) {
	_, app := setupTestServer(t)
	owner := registerAccount(t, app, "kick_owner")
	admin := registerAccount(t, app, "kick_admin")
	mallory := registerAccount(t, app, "kick_mallory")

	resp := doJSON(t, app, http.MethodPost, "/api/chats/group", owner.access, map[string]interface{}{
		"name":           "moderated",
		"participantIds": []string{admin.id.String(), mallory.id.String()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chatID := decodeBody(t, resp)["chat"].(map[string]interface{})["id"].(string)

	resp = doJSON(t, app, http.MethodPut,
		fmt.Sprintf("/api/chats/%s/participants/%s/role", chatID, admin.id), owner.access,
		map[string]string{"role": "admin"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A plain member cannot kick anyone.
	resp = doJSON(t, app, http.MethodDelete,
		fmt.Sprintf("/api/chats/%s/participants/%s", chatID, admin.id), mallory.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// An admin cannot remove the owner.
	resp = doJSON(t, app, http.MethodDelete,
		fmt.Sprintf("/api/chats/%s/participants/%s", chatID, owner.id), admin.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// An admin can remove a plain member, who then loses access.
	resp = doJSON(t, app, http.MethodDelete,
		fmt.Sprintf("/api/chats/%s/participants/%s", chatID, mallory.id), admin.access, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doJSON(t, app, http.MethodGet, "/api/chats/"+chatID, mallory.access, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Kicking twice is a not-found.
	resp = doJSON(t, app, http.MethodDelete,
		fmt.Sprintf("/api/chats/%s/participants/%s", chatID, mallory.id), admin.access, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Self-removal goes through leave instead.
	resp = doJSON(t, app, http.MethodDelete,
		fmt.Sprintf("/api/chats/%s/participants/%s", chatID, admin.id), admin.access, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveDirectChatRejected(t *testing.T) {
	_, app := setupTestServer(t)
	alice := registerAccount(t, app, "leave_alice")
	bob := registerAccount(t, app, "leave_bob")
	chatID := openDirectChat(t, app, alice, bob.id)

	resp := doJSON(t, app, http.MethodPost, "/api/chats/"+chatID.String()+"/leave", alice.access, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
