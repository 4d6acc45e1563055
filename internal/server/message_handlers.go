package server

import (
	"encoding/json"

	"courier/internal/models"
	"courier/internal/repository"
	"courier/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// GetMessage handles GET /api/messages/:id
// @Summary Get one message
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Success 200 {object} object{message=models.Message}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /messages/{id} [get]
func (s *Server) GetMessage(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	msg, err := s.messageRepo.GetByID(c.UserContext(), messageID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	// Visibility follows chat membership.
	p, err := s.chatRepo.GetParticipant(c.UserContext(), msg.ChatID, currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, err)
	}
	if p == nil || !p.Active() {
		return models.RespondWithError(c, models.NewForbiddenError("not a member of this chat"))
	}
	return c.JSON(fiber.Map{"message": msg})
}

// EditMessage handles PATCH /api/messages/:id
// @Summary Edit a message
// @Description Sender only; the prior body is archived in the edit history
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Param request body object{body=string,metadata=object} true "New content"
// @Success 200 {object} object{message=models.Message}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /messages/{id} [patch]
func (s *Server) EditMessage(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Body     string          `json:"body"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	msg, err := s.messageService.Edit(c.UserContext(), service.EditInput{
		CallerID:  currentUserID(c),
		MessageID: messageID,
		Body:      req.Body,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"message": msg})
}

// DeleteMessage handles DELETE /api/messages/:id
// @Summary Soft delete a message
// @Description Replaces the body with a tombstone; delivery history survives
// @Tags messages
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /messages/{id} [delete]
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.messageService.Delete(c.UserContext(), currentUserID(c), messageID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ReactToMessage handles POST /api/messages/:id/reactions
// @Summary Toggle a reaction
// @Description Adds the glyph when absent, removes it when present
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Param request body object{glyph=string} true "Reaction"
// @Success 200 {object} object{present=bool}
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /messages/{id}/reactions [post]
func (s *Server) ReactToMessage(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Glyph string `json:"glyph"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	present, err := s.messageService.React(c.UserContext(), currentUserID(c), messageID, req.Glyph)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"present": present})
}

// SetMessageReceipt handles POST /api/messages/:id/receipt
// @Summary Advance the caller's delivery state for one message
// @Description Transitions are monotonic: sent to delivered to read; regressions return 409
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Param request body object{status=string} true "New status (delivered or read)"
// @Success 200 {object} object{delivery=models.Delivery}
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /messages/{id}/receipt [post]
func (s *Server) SetMessageReceipt(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	row, err := s.messageService.SetDeliveryStatus(c.UserContext(), currentUserID(c), messageID, req.Status)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"delivery": row})
}

// GetMessageDeliveries handles GET /api/messages/:id/deliveries
// @Summary List per-recipient delivery state
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Success 200 {object} object{deliveries=[]models.Delivery}
// @Failure 403 {object} models.ErrorResponse
// @Router /messages/{id}/deliveries [get]
func (s *Server) GetMessageDeliveries(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	deliveries, err := s.messageService.ListDeliveries(c.UserContext(), currentUserID(c), messageID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"deliveries": deliveries})
}

// GetMessageEditHistory handles GET /api/messages/:id/history
// @Summary List a message's prior bodies
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Success 200 {object} object{history=[]models.EditEntry}
// @Failure 403 {object} models.ErrorResponse
// @Router /messages/{id}/history [get]
func (s *Server) GetMessageEditHistory(c *fiber.Ctx) error {
	messageID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	history, err := s.messageService.EditHistory(c.UserContext(), currentUserID(c), messageID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}

// SearchMessages handles GET /api/messages/search
// @Summary Full-text search over the caller's chats
// @Description Pass chatId to narrow the search to a single chat
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param q query string true "Search query (min 2 characters)"
// @Param chatId query string false "Restrict results to one chat"
// @Param limit query int false "Max results (default 50, max 100)"
// @Success 200 {object} object{messages=[]models.Message}
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /messages/search [get]
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	limit := pageLimit(c, repository.DefaultPageSize, repository.MaxPageSize)

	var chatID *uuid.UUID
	if raw := c.Query("chatId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.RespondWithError(c,
				models.NewFieldValidationError("chatId", "invalid chat id"))
		}
		chatID = &id
	}

	messages, err := s.messageService.Search(c.UserContext(), currentUserID(c), c.Query("q"), chatID, limit)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"messages": messages})
}
