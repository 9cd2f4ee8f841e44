// Package errors provides custom error types for the webai application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These are part of the wire contract: API
// responses carry them verbatim in the error envelope.
const (
	ErrCodeInvalidInput       = "invalid_input"
	ErrCodeConflict           = "conflict"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeTrustNotConfigured = "trust_not_configured"
	ErrCodeNodeUnreachable    = "node_unreachable"
	ErrCodeInternal           = "internal"
)

// Rejection reasons attached to unauthorized errors so callers can tell
// a missing envelope apart from a stale or replayed one.
const (
	ReasonMissing      = "missing"
	ReasonBadSignature = "bad_signature"
	ReasonStale        = "stale"
	ReasonReplayed     = "replayed"
	ReasonUnknownKey   = "unknown_key"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	HTTPStatus    int    `json:"-"`
	Err           error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidInput creates a new invalid input error. The message is meant
// to be shown to the caller as-is.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error with a machine-readable
// rejection reason (missing, bad_signature, stale, replayed, unknown_key).
func Unauthorized(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "request authentication failed",
		Reason:     reason,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates an error for a request that presented the wrong
// credential, e.g. a stale VNC token. Distinct from Unauthorized, which
// covers missing or unverifiable envelopes.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// TrustNotConfigured creates an error for the case where authenticated
// requests are required but no trusted keys are loaded. Distinct from
// unauthorized so operators can tell misconfiguration apart from attack.
func TrustNotConfigured() *AppError {
	return &AppError{
		Code:       ErrCodeTrustNotConfigured,
		Message:    "node requires authenticated requests but has no trusted keys configured",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// NodeUnreachable creates an error for a node that could not be reached
// during fan-out. Timeouts map to 504, connection failures to 502.
func NodeUnreachable(nodeID string, timeout bool, err error) *AppError {
	status := http.StatusBadGateway
	if timeout {
		status = http.StatusGatewayTimeout
	}
	return &AppError{
		Code:       ErrCodeNodeUnreachable,
		Message:    fmt.Sprintf("node '%s' is unreachable", nodeID),
		HTTPStatus: status,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped
// underlying error. The message stays generic; the detail is logged,
// not returned.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new invalid input error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:          appErr.Code,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			Reason:        appErr.Reason,
			CorrelationID: appErr.CorrelationID,
			HTTPStatus:    appErr.HTTPStatus,
			Err:           err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// IsInvalidInput checks if the error is an invalid input error.
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidInput
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
