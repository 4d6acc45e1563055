package server

import (
	"courier/internal/models"
	"courier/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// GetMyProfile handles GET /api/users/me
// @Summary Get own profile
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{user=models.User}
// @Router /users/me [get]
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.userService.GetProfile(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"user": user})
}

// UpdateMyProfile handles PUT /api/users/me
// @Summary Update own profile
// @Description Partially update display name, avatar and advertised status
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{displayName=string,avatarRef=string,status=string} true "Profile update"
// @Success 200 {object} object{user=models.User}
// @Failure 400 {object} models.ErrorResponse
// @Router /users/me [put]
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	var req struct {
		DisplayName *string `json:"displayName"`
		AvatarRef   *string `json:"avatarRef"`
		Status      *string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	userID := currentUserID(c)

	if req.Status != nil {
		// Status routes through the presence tracker so the transition fans
		// out to contacts; the profile row follows via the callback.
		switch *req.Status {
		case models.StatusAway:
			s.tracker.MarkAway(c.UserContext(), userID)
		case models.StatusOnline:
			s.tracker.MarkActive(c.UserContext(), userID)
		default:
			return models.RespondWithError(c,
				models.NewFieldValidationError("status", "status must be 'online' or 'away'"))
		}
	}

	user, err := s.userService.UpdateProfile(c.UserContext(), userID, service.UpdateProfileInput{
		DisplayName: req.DisplayName,
		AvatarRef:   req.AvatarRef,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"user": user})
}

// SearchUsers handles GET /api/users/search
// @Summary Search users by handle prefix
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param q query string true "Handle prefix (min 2 characters)"
// @Param limit query int false "Max results (default 20, max 20)"
// @Success 200 {object} object{users=[]models.User}
// @Failure 400 {object} models.ErrorResponse
// @Router /users/search [get]
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	limit := pageLimit(c, 20, 20)
	users, err := s.userService.Search(c.UserContext(), c.Query("q"), limit)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"users": users})
}

// GetUserProfile handles GET /api/users/:id
// @Summary Get another user's profile
// @Description Visible only to contacts and users sharing a chat
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} object{user=models.User}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /users/{id} [get]
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	targetID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}
	viewerID := currentUserID(c)

	if targetID != viewerID {
		visible, verr := s.canViewProfile(c, viewerID, targetID)
		if verr != nil {
			return models.RespondWithError(c, verr)
		}
		if !visible {
			return models.RespondWithError(c,
				models.NewForbiddenError("profile not visible"))
		}
	}

	user, err := s.userService.GetProfile(c.UserContext(), targetID)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"user": user})
}

// canViewProfile reports whether the viewer is a contact of the target or
// shares at least one chat with them.
func (s *Server) canViewProfile(c *fiber.Ctx, viewerID, targetID uuid.UUID) (bool, error) {
	contacts, err := s.chatRepo.ListContactIDs(c.UserContext(), viewerID)
	if err != nil {
		return false, err
	}
	for _, id := range contacts {
		if id == targetID {
			return true, nil
		}
	}

	viewerChats, err := s.chatRepo.ListUserChatIDs(c.UserContext(), viewerID)
	if err != nil {
		return false, err
	}
	targetChats, err := s.chatRepo.ListUserChatIDs(c.UserContext(), targetID)
	if err != nil {
		return false, err
	}
	seen := make(map[uuid.UUID]struct{}, len(viewerChats))
	for _, id := range viewerChats {
		seen[id] = struct{}{}
	}
	for _, id := range targetChats {
		if _, ok := seen[id]; ok {
			return true, nil
		}
	}
	return false, nil
}
