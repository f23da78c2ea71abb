package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All components MUST use these constants instead of
// hardcoded strings so the delivery worker can classify failures reliably.
const (
	// Data errors (skip the affected user/message, never abort the batch)
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidDate     ErrorCode = "validation_invalid_occasion_date"
	ErrCodeValidationInvalidEnvelope ErrorCode = "validation_invalid_envelope"

	// Not Found
	ErrCodeNotFoundMessage ErrorCode = "not_found_message"
	ErrCodeNotFoundUser    ErrorCode = "not_found_user"
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"

	// Conflict
	ErrCodeConflictStaleStatus      ErrorCode = "conflict_stale_status"
	ErrCodeConflictAlreadyScheduled ErrorCode = "conflict_already_scheduled"

	// Queue
	ErrCodeQueuePublishFailed ErrorCode = "queue_publish_failed"
	ErrCodeQueueNotConfirmed  ErrorCode = "queue_publish_not_confirmed"

	// Upstream delivery (transient unless noted)
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_timeout"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_rejected" // permanent: validation/auth/not-found at the provider

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to the status used by the operational HTTP
// surface. Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"), strings.HasPrefix(s, "queue_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether a delivery failure with this code should be
// retried with backoff. Permanent codes go straight to the dead-letter queue.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited, ErrCodeUpstreamTimeout:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type. All domain errors are
// expressed as AppError to enable consistent classification (transient vs
// permanent), logging, and HTTP status mapping.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected when the chain contains no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
