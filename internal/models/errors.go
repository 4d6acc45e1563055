package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Error kinds, transport-agnostic. The edge maps kinds to status codes.
const (
	ErrInvalidInput    = "invalid-input"
	ErrUnauthenticated = "unauthenticated"
	ErrForbidden       = "forbidden"
	ErrNotFound        = "not-found"
	ErrConflict        = "conflict"
	ErrTooLarge        = "too-large"
	ErrRateLimited     = "rate-limited"
	ErrDependency      = "dependency-unavailable"
	ErrInternal        = "internal"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a typed application error.
type AppError struct {
	Kind       string
	Message    string
	Field      string        // optional: the offending input field
	RetryAfter time.Duration // set for rate-limited errors
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorKind returns the AppError kind of err, or "internal" for untyped errors.
func ErrorKind(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ErrInternal
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind string) bool {
	return ErrorKind(err) == kind
}

// NewValidationError reports malformed or out-of-range input.
func NewValidationError(message string) *AppError {
	return &AppError{Kind: ErrInvalidInput, Message: message}
}

// NewFieldValidationError reports malformed input scoped to a single field.
func NewFieldValidationError(field, message string) *AppError {
	return &AppError{Kind: ErrInvalidInput, Message: message, Field: field}
}

// NewUnauthenticatedError reports a missing or invalid credential.
func NewUnauthenticatedError(message string) *AppError {
	return &AppError{Kind: ErrUnauthenticated, Message: message}
}

// NewForbiddenError reports an authenticated caller without access.
func NewForbiddenError(message string) *AppError {
	return &AppError{Kind: ErrForbidden, Message: message}
}

// NewNotFoundError reports an unknown or soft-deleted resource.
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{Kind: ErrNotFound, Message: fmt.Sprintf("%s %v not found", resource, id)}
}

// NewConflictError reports a uniqueness violation or a non-monotonic
// delivery transition.
func NewConflictError(message string) *AppError {
	return &AppError{Kind: ErrConflict, Message: message}
}

// NewTooLargeError reports a body or payload exceeding limits.
func NewTooLargeError(message string) *AppError {
	return &AppError{Kind: ErrTooLarge, Message: message}
}

// NewRateLimitedError reports an empty token bucket, with time-to-reset.
func NewRateLimitedError(retryAfter time.Duration) *AppError {
	return &AppError{Kind: ErrRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// NewDependencyError reports an unreachable store or cache/bus.
func NewDependencyError(message string, err error) *AppError {
	return &AppError{Kind: ErrDependency, Message: message, Err: err}
}

// NewInternalError wraps an unexpected error.
func NewInternalError(err error) *AppError {
	return &AppError{Kind: ErrInternal, Message: "internal server error", Err: err}
}

// statusForKind maps error kinds to HTTP status codes.
var statusForKind = map[string]int{
	ErrInvalidInput:    fiber.StatusBadRequest,
	ErrUnauthenticated: fiber.StatusUnauthorized,
	ErrForbidden:       fiber.StatusForbidden,
	ErrNotFound:        fiber.StatusNotFound,
	ErrConflict:        fiber.StatusConflict,
	ErrTooLarge:        fiber.StatusRequestEntityTooLarge,
	ErrRateLimited:     fiber.StatusTooManyRequests,
	ErrDependency:      fiber.StatusServiceUnavailable,
	ErrInternal:        fiber.StatusInternalServerError,
}

// StatusForError returns the HTTP status code for an error.
func StatusForError(err error) int {
	if status, ok := statusForKind[ErrorKind(err)]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// RespondWithError writes a standardized error response, deriving the
// status code from the error kind. Rate-limited errors carry Retry-After.
func RespondWithError(c *fiber.Ctx, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Kind:  appErr.Kind,
			Field: appErr.Field,
		}
		// Internal details are not leaked to clients for unexpected errors.
		if appErr.Err != nil && appErr.Kind != ErrInternal {
			response.Details = appErr.Err.Error()
		}
		if appErr.Kind == ErrRateLimited {
			c.Set("Retry-After", strconv.Itoa(int(appErr.RetryAfter.Seconds())+1))
		}
	} else {
		response = ErrorResponse{Error: "internal server error", Kind: ErrInternal}
	}

	return c.Status(StatusForError(err)).JSON(response)
}
