package server

import (
	"encoding/json"

	"courier/internal/models"
	"courier/internal/repository"
	"courier/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// GetChats handles GET /api/chats
// @Summary List the caller's chats
// @Description Chats ordered by latest activity, each with unread count and last message
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{chats=[]models.ChatSummary}
// @Router /chats [get]
func (s *Server) GetChats(c *fiber.Ctx) error {
	chats, err := s.chatService.ListChats(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"chats": chats})
}

// CreateDirectChat handles POST /api/chats/direct
// @Summary Open a direct chat
// @Description Idempotent: repeated calls from either side return the same chat
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{contactId=string} true "Direct chat request"
// @Success 200 {object} object{chat=models.Chat} "Chat already existed"
// @Success 201 {object} object{chat=models.Chat} "Chat created"
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/direct [post]
func (s *Server) CreateDirectChat(c *fiber.Ctx) error {
	var req struct {
		ContactID string `json:"contactId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}
	contactID, err := uuid.Parse(req.ContactID)
	if err != nil {
		return models.RespondWithError(c,
			models.NewFieldValidationError("contactId", "invalid contact id"))
	}

	chat, created, err := s.chatService.CreateDirect(c.UserContext(), currentUserID(c), contactID)
	if err != nil {
		return models.RespondWithError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"chat": chat})
}

// CreateGroupChat handles POST /api/chats/group
// @Summary Create a group chat
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{name=string,participantIds=[]string,slug=string,avatarRef=string} true "Group chat request"
// @Success 201 {object} object{chat=models.Chat}
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /chats/group [post]
func (s *Server) CreateGroupChat(c *fiber.Ctx) error {
	var req struct {
		Name           string   `json:"name"`
		ParticipantIDs []string `json:"participantIds"`
		Slug           string   `json:"slug"`
		AvatarRef      string   `json:"avatarRef"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	memberIDs := make([]uuid.UUID, 0, len(req.ParticipantIDs))
	for _, raw := range req.ParticipantIDs {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return models.RespondWithError(c,
				models.NewFieldValidationError("participantIds", "invalid participant id: "+raw))
		}
		memberIDs = append(memberIDs, id)
	}

	chat, err := s.chatService.CreateGroup(c.UserContext(), service.CreateGroupInput{
		OwnerID:   currentUserID(c),
		Name:      req.Name,
		Slug:      req.Slug,
		AvatarRef: req.AvatarRef,
		MemberIDs: memberIDs,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"chat": chat})
}

// GetChat handles GET /api/chats/:id
// @Summary Get one chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Success 200 {object} object{chat=models.Chat}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id} [get]
func (s *Server) GetChat(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	chat, err := s.chatService.GetChat(c.UserContext(), currentUserID(c), chatID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

// GetChatMessages handles GET /api/chats/:id/messages
// @Summary Page a chat's message history
// @Description Reverse chronological keyset pagination; pass the returned cursor for the next page
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param limit query int false "Page size (default 50, max 100)"
// @Param cursor query string false "Opaque cursor from a prior page"
// @Success 200 {object} object{messages=[]models.Message,next_cursor=string}
// @Failure 403 {object} models.ErrorResponse
// @Router /chats/{id}/messages [get]
func (s *Server) GetChatMessages(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	limit := pageLimit(c, repository.DefaultPageSize, repository.MaxPageSize)

	messages, next, err := s.messageService.ListMessages(
		c.UserContext(), currentUserID(c), chatID, c.Query("cursor"), limit)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{
		"messages":    messages,
		"next_cursor": next,
	})
}

// SendChatMessage handles POST /api/chats/:id/messages
// @Summary Send a message
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param request body object{body=string,kind=string,metadata=object,replyToId=string} true "Message"
// @Success 201 {object} object{message=models.Message}
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 413 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /chats/{id}/messages [post]
func (s *Server) SendChatMessage(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Body        string                    `json:"body"`
		Kind        string                    `json:"kind"`
		Metadata    json.RawMessage           `json:"metadata"`
		ReplyToID   *string                   `json:"replyToId"`
		Attachments []service.AttachmentInput `json:"attachments"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	var replyToID *uuid.UUID
	if req.ReplyToID != nil && *req.ReplyToID != "" {
		id, perr := uuid.Parse(*req.ReplyToID)
		if perr != nil {
			return models.RespondWithError(c,
				models.NewFieldValidationError("replyToId", "invalid reply target id"))
		}
		replyToID = &id
	}

	msg, err := s.messageService.Send(c.UserContext(), service.SendInput{
		SenderID:    currentUserID(c),
		ChatID:      chatID,
		Body:        req.Body,
		Kind:        req.Kind,
		Metadata:    req.Metadata,
		ReplyToID:   replyToID,
		Attachments: req.Attachments,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": msg})
}

// AddChatParticipants handles POST /api/chats/:id/participants
// @Summary Add members to a group chat
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param request body object{userIds=[]string} true "Users to add"
// @Success 200 {object} object{added=[]string}
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /chats/{id}/participants [post]
func (s *Server) AddChatParticipants(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}
	userIDs := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return models.RespondWithError(c,
				models.NewFieldValidationError("userIds", "invalid user id: "+raw))
		}
		userIDs = append(userIDs, id)
	}

	added, err := s.chatService.AddParticipants(c.UserContext(), currentUserID(c), chatID, userIDs)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"added": added})
}

// UpdateParticipantRole handles PUT /api/chats/:id/participants/:userId/role
// @Summary Change a member's role
// @Description Owner only; valid roles are admin and member
// @Tags chats
// @Accept json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param userId path string true "Target user ID"
// @Param request body object{role=string} true "New role"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Router /chats/{id}/participants/{userId}/role [put]
func (s *Server) UpdateParticipantRole(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := s.parseUUID(c, "userId")
	if err != nil {
		return nil
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	if err := s.chatService.UpdateRole(c.UserContext(), currentUserID(c), chatID, targetID, req.Role); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TransferChatOwnership handles POST /api/chats/:id/transfer
// @Summary Transfer group ownership
// @Tags chats
// @Accept json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param request body object{newOwnerId=string} true "Transfer request"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Router /chats/{id}/transfer [post]
func (s *Server) TransferChatOwnership(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		NewOwnerID string `json:"newOwnerId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}
	newOwnerID, err := uuid.Parse(req.NewOwnerID)
	if err != nil {
		return models.RespondWithError(c,
			models.NewFieldValidationError("newOwnerId", "invalid user id"))
	}

	if err := s.chatService.TransferOwnership(c.UserContext(), currentUserID(c), chatID, newOwnerID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkChatRead handles POST /api/chats/:id/read
// @Summary Mark a chat read up to a message
// @Description Flips every delivery at or before the target to read and zeroes the unread count
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param request body object{messageId=string} true "Read watermark"
// @Success 200 {object} object{read=int}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/read [post]
func (s *Server) MarkChatRead(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}
	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		return models.RespondWithError(c,
			models.NewFieldValidationError("messageId", "invalid message id"))
	}

	read, err := s.messageService.MarkChatRead(c.UserContext(), currentUserID(c), chatID, messageID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"read": read})
}

// UpdateChat handles PATCH /api/chats/:id
// @Summary Update a group chat's name or avatar
// @Description Owner or admin; omitted fields are left unchanged
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param request body object{name=string,avatarRef=string} true "Fields to update"
// @Success 200 {object} object{chat=models.Chat}
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id} [patch]
func (s *Server) UpdateChat(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Name      *string `json:"name"`
		AvatarRef *string `json:"avatarRef"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	chat, err := s.chatService.UpdateChat(c.UserContext(), currentUserID(c), chatID, service.UpdateChatInput{
		Name:      req.Name,
		AvatarRef: req.AvatarRef,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"chat": chat})
}

// DeleteChat handles DELETE /api/chats/:id
// @Summary Delete a group chat
// @Description Owner only; the chat is soft-deleted and members are notified
// @Tags chats
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id} [delete]
func (s *Server) DeleteChat(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.chatService.DeleteChat(c.UserContext(), currentUserID(c), chatID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RemoveChatParticipant handles DELETE /api/chats/:id/participants/:userId
// @Summary Remove a member from a group chat
// @Description Owners may remove anyone but themselves; admins may remove plain members
// @Tags chats
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Param userId path string true "Target user ID"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/participants/{userId} [delete]
func (s *Server) RemoveChatParticipant(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	targetID, err := s.parseUUID(c, "userId")
	if err != nil {
		return nil
	}
	if err := s.chatService.RemoveParticipant(c.UserContext(), currentUserID(c), chatID, targetID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LeaveChat handles POST /api/chats/:id/leave
// @Summary Leave a group chat
// @Tags chats
// @Security BearerAuth
// @Param id path string true "Chat ID"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /chats/{id}/leave [post]
func (s *Server) LeaveChat(c *fiber.Ctx) error {
	chatID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.chatService.Leave(c.UserContext(), currentUserID(c), chatID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
