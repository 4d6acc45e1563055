package server

import (
	"errors"
	"strings"

	"courier/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// parseUUID extracts a route parameter by name as a UUID. On failure it
// writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
func (s *Server) parseUUID(c *fiber.Ctx, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(param))
	if err != nil {
		_ = models.RespondWithError(c,
			models.NewFieldValidationError(param, "invalid "+humanizeParam(param)))
		return uuid.Nil, errResponseWritten
	}
	return id, nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "id", "userId" -> "user id".
func humanizeParam(param string) string {
	if strings.HasSuffix(param, "Id") && len(param) > 2 {
		return strings.ToLower(param[:len(param)-2]) + " id"
	}
	return param
}

// currentUserID returns the authenticated caller's id set by AuthRequired.
func currentUserID(c *fiber.Ctx) uuid.UUID {
	if id, ok := c.Locals("userID").(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// currentSessionID returns the caller's session id set by AuthRequired.
func currentSessionID(c *fiber.Ctx) uuid.UUID {
	if id, ok := c.Locals("sessionID").(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// pageLimit parses the limit query parameter, clamped to [1, max].
func pageLimit(c *fiber.Ctx, fallback, max int) int {
	limit := c.QueryInt("limit", fallback)
	if limit <= 0 {
		limit = fallback
	}
	if limit > max {
		limit = max
	}
	return limit
}
