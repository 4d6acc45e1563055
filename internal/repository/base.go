// Package repository implements the data access layer for the application.
package repository

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courier/internal/models"

	"github.com/google/uuid"
)

// isUniqueConstraintError checks if a DB error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	// PostgreSQL unique violation SQLSTATE 23505; sqlite phrases it differently.
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "23505")
}

// EncodeCursor builds the opaque pagination cursor for a message. Pages are
// keyed on (created_at, id) so inserts never shift earlier pages.
func EncodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%d:%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor back into its (created_at, id) pair.
func DecodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, models.NewFieldValidationError("cursor", "malformed cursor")
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, models.NewFieldValidationError("cursor", "malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, models.NewFieldValidationError("cursor", "malformed cursor")
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, models.NewFieldValidationError("cursor", "malformed cursor")
	}
	return time.Unix(0, nanos), id, nil
}
