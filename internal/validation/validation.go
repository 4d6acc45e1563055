// Package validation provides input validation utilities.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"courier/internal/models"
)

var handleRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

var reservedHandles = map[string]struct{}{
	"admin":    {},
	"api":      {},
	"auth":     {},
	"chats":    {},
	"messages": {},
	"users":    {},
	"sessions": {},
	"ws":       {},
	"swagger":  {},
	"metrics":  {},
	"system":   {},
	"login":    {},
	"register": {},
}

// ValidateHandle checks handle format and reserved names.
func ValidateHandle(handle string) error {
	if !handleRegex.MatchString(handle) {
		return models.NewFieldValidationError("handle",
			"handle must be 3-50 characters and contain only letters, numbers, and underscores")
	}
	if _, exists := reservedHandles[strings.ToLower(handle)]; exists {
		return models.NewFieldValidationError("handle", "handle is reserved")
	}
	return nil
}

// ValidatePassword checks if a password meets security requirements.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return models.NewFieldValidationError("password", "password must be at least 8 characters long")
	}
	if len(password) > 128 {
		return models.NewFieldValidationError("password", "password must not exceed 128 characters")
	}

	hasUpper, hasLower, hasDigit := false, false, false
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper {
		return models.NewFieldValidationError("password", "password must contain at least one uppercase letter")
	}
	if !hasLower {
		return models.NewFieldValidationError("password", "password must contain at least one lowercase letter")
	}
	if !hasDigit {
		return models.NewFieldValidationError("password", "password must contain at least one digit")
	}
	return nil
}

// ValidateMessageBody checks length bounds on a message body. Length is
// counted in runes so multi-byte text is not penalized.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return models.NewFieldValidationError("body", "message body must not be empty")
	}
	if utf8.RuneCountInString(body) > models.MaxMessageBodyLen {
		return &models.AppError{
			Kind:    models.ErrTooLarge,
			Field:   "body",
			Message: fmt.Sprintf("message body must not exceed %d characters", models.MaxMessageBodyLen),
		}
	}
	return nil
}

// ValidateReactionGlyph bounds reaction glyphs to a short emoji-sized string.
func ValidateReactionGlyph(glyph string) error {
	if glyph == "" {
		return models.NewFieldValidationError("glyph", "reaction glyph must not be empty")
	}
	if utf8.RuneCountInString(glyph) > models.MaxReactionGlyphLen {
		return models.NewFieldValidationError("glyph",
			fmt.Sprintf("reaction glyph must not exceed %d characters", models.MaxReactionGlyphLen))
	}
	return nil
}

// allowedTags are the inline formatting tags that survive sanitization,
// keyed by lowercase tag name.
var allowedTags = map[string]struct{}{
	"b": {}, "i": {}, "em": {}, "strong": {}, "u": {},
}

var tagRegex = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^<>]*)?>`)

// SanitizeBody strips markup from a message body, keeping only a small
// whitelist of inline formatting tags with their attributes removed.
func SanitizeBody(body string) string {
	return tagRegex.ReplaceAllStringFunc(body, func(tag string) string {
		name := strings.ToLower(tagRegex.FindStringSubmatch(tag)[1])
		if _, ok := allowedTags[name]; !ok {
			return ""
		}
		if strings.HasPrefix(tag, "</") {
			return "</" + name + ">"
		}
		return "<" + name + ">"
	})
}
