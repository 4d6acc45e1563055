package server

import (
	"fmt"
	"time"

	"courier/internal/cache"
	"courier/internal/models"
	"courier/internal/service"
	"courier/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// wsTicketTTL bounds how long an issued websocket ticket stays redeemable.
const wsTicketTTL = 30 * time.Second

// deviceInfoFromRequest fills session metadata from the request and the
// optional device fields clients may send alongside credentials.
func deviceInfoFromRequest(c *fiber.Ctx, deviceID, kind, label string) session.DeviceInfo {
	return session.DeviceInfo{
		DeviceID:  deviceID,
		Kind:      kind,
		Label:     label,
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
	}
}

// Register handles POST /api/auth/register
// @Summary Register a new account
// @Description Create a user and open a first device session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{handle=string,password=string,passwordConfirm=string,displayName=string} true "Registration request"
// @Success 201 {object} object{user=models.User,tokens=session.TokenPair}
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/register [post]
func (s *Server) Register(c *fiber.Ctx) error {
	var req struct {
		Handle          string `json:"handle"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"passwordConfirm"`
		DisplayName     string `json:"displayName"`
		DeviceID        string `json:"deviceId"`
		DeviceKind      string `json:"deviceKind"`
		DeviceLabel     string `json:"deviceLabel"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}
	if req.Password != req.PasswordConfirm {
		return models.RespondWithError(c,
			models.NewFieldValidationError("passwordConfirm", "passwords do not match"))
	}

	user, err := s.userService.Register(c.UserContext(), service.RegisterInput{
		Handle:      req.Handle,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return models.RespondWithError(c, err)
	}

	_, pair, err := s.registry.Create(c.UserContext(), user.ID,
		deviceInfoFromRequest(c, req.DeviceID, req.DeviceKind, req.DeviceLabel))
	if err != nil {
		return models.RespondWithError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user":   user,
		"tokens": pair,
	})
}

// Login handles POST /api/auth/login
// @Summary Log in
// @Description Authenticate a handle/password pair and open a device session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{handle=string,password=string} true "Login credentials"
// @Success 200 {object} object{user=models.User,tokens=session.TokenPair}
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Handle      string `json:"handle"`
		Password    string `json:"password"`
		DeviceID    string `json:"deviceId"`
		DeviceKind  string `json:"deviceKind"`
		DeviceLabel string `json:"deviceLabel"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, models.NewValidationError("invalid request body"))
	}

	user, err := s.userService.Authenticate(c.UserContext(), req.Handle, req.Password)
	if err != nil {
		return models.RespondWithError(c, err)
	}

	_, pair, err := s.registry.Create(c.UserContext(), user.ID,
		deviceInfoFromRequest(c, req.DeviceID, req.DeviceKind, req.DeviceLabel))
	if err != nil {
		return models.RespondWithError(c, err)
	}

	return c.JSON(fiber.Map{
		"user":   user,
		"tokens": pair,
	})
}

// Refresh handles POST /api/auth/refresh
// @Summary Refresh tokens
// @Description Rotate a refresh credential into a fresh token pair
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{refreshCredential=string} true "Refresh request"
// @Success 200 {object} object{tokens=session.TokenPair}
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/refresh [post]
func (s *Server) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshCredential string `json:"refreshCredential"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshCredential == "" {
		return models.RespondWithError(c,
			models.NewFieldValidationError("refreshCredential", "refresh credential is required"))
	}

	_, pair, err := s.registry.Refresh(c.UserContext(), req.RefreshCredential)
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"tokens": pair})
}

// Logout handles POST /api/auth/logout
// @Summary Log out
// @Description Revoke the session a refresh credential belongs to, or every session when none is given
// @Tags auth
// @Accept json
// @Security BearerAuth
// @Param request body object{refreshCredential=string} false "Logout request"
// @Success 204
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/logout [post]
func (s *Server) Logout(c *fiber.Ctx) error {
	var req struct {
		RefreshCredential string `json:"refreshCredential"`
	}
	// An empty body means "log out everywhere".
	_ = c.BodyParser(&req)

	if req.RefreshCredential != "" {
		if err := s.registry.RevokeByRefresh(c.UserContext(), req.RefreshCredential); err != nil {
			return models.RespondWithError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}

	if _, err := s.registry.InvalidateAll(c.UserContext(), currentUserID(c)); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListSessions handles GET /api/sessions
// @Summary List active sessions
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{sessions=[]models.Session}
// @Router /sessions [get]
func (s *Server) ListSessions(c *fiber.Ctx) error {
	sessions, err := s.registry.ListActive(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, err)
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

// RevokeSession handles DELETE /api/sessions/:id
// @Summary Revoke one session
// @Tags sessions
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 204
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /sessions/{id} [delete]
func (s *Server) RevokeSession(c *fiber.Ctx) error {
	sessionID, err := s.parseUUID(c, "id")
	if err != nil {
		return nil
	}

	// Sessions are only visible to their owner.
	owned, err := s.registry.ListActive(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithError(c, err)
	}
	var found bool
	for _, sess := range owned {
		if sess.ID == sessionID {
			found = true
			break
		}
	}
	if !found {
		return models.RespondWithError(c, models.NewNotFoundError("session", sessionID))
	}

	if err := s.registry.Invalidate(c.UserContext(), sessionID); err != nil {
		return models.RespondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// IssueWSTicket handles POST /api/ws/ticket
// @Summary Issue a websocket ticket
// @Description Returns a short-lived single-use ticket for the websocket handshake
// @Tags ws
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{ticket=string,expires_in=int}
// @Router /ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	if s.redis == nil {
		return models.RespondWithError(c,
			models.NewDependencyError("ticket store unavailable", nil))
	}

	ticket := uuid.NewString()
	value := fmt.Sprintf("%s:%s", currentUserID(c), currentSessionID(c))
	if err := s.redis.Set(c.Context(), cache.WSTicketKey(ticket), value, wsTicketTTL).Err(); err != nil {
		return models.RespondWithError(c,
			models.NewDependencyError("failed to store websocket ticket", err))
	}

	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(wsTicketTTL.Seconds()),
	})
}
