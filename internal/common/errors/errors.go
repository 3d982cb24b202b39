// Package errors provides the error taxonomy shared by all cnapi services.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadParam         = "BAD_PARAM"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotActive        = "NOT_ACTIVE"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeGone             = "GONE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeAgentUnreachable = "AGENT_UNREACHABLE"
	ErrCodeAgentRejected    = "AGENT_REJECTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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

// BadParam creates a new error for an invalid request parameter.
func BadParam(param string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadParam,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotActive creates an error for an operation that requires an active ticket.
func NotActive(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotActive,
		Message:    fmt.Sprintf("%s with id '%s' is not active", resource, id),
		HTTPStatus: http.StatusConflict,
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

// Timeout creates an error for a wait that elapsed before its condition held.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// Gone creates an error for a resource that expired and will never recover.
func Gone(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeGone,
		Message:    fmt.Sprintf("%s with id '%s' has expired", resource, id),
		HTTPStatus: http.StatusGone,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StoreUnavailable creates an error for a store that failed or kept conflicting.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreUnavailable,
		Message:    "object store is currently unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentUnreachable creates an error for a server whose agent did not answer.
func AgentUnreachable(serverID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnreachable,
		Message:    fmt.Sprintf("agent on server '%s' is unreachable", serverID),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentRejected creates an error for a dispatch the agent refused to accept.
func AgentRejected(serverID string, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentRejected,
		Message:    fmt.Sprintf("agent on server '%s' rejected the task: %s", serverID, reason),
		HTTPStatus: http.StatusBadGateway,
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
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
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

// IsBadParam checks if the error is an invalid parameter or bad request error.
func IsBadParam(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadParam || appErr.Code == ErrCodeBadRequest
	}
	return false
}

// IsNotActive checks if the error is a not active error.
func IsNotActive(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotActive
	}
	return false
}

// IsTimeout checks if the error is a wait timeout.
func IsTimeout(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTimeout
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

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
