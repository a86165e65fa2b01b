package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any AppError with the same code, so callers can write
// errors.Is(err, ErrNotFound) regardless of detail.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Common error codes
const (
	ErrCodeValidation              = "validation_error"
	ErrCodeNotFound                = "not_found"
	ErrCodePolicyViolation         = "policy_violation"
	ErrCodeDelegationInvalid       = "delegation_invalid"
	ErrCodeBudgetExceeded          = "budget_exceeded"
	ErrCodeEvaluationError         = "evaluation_error"
	ErrCodeCollaboratorUnavailable = "collaborator_unavailable"
	ErrCodeSessionNotActive        = "session_not_active"
	ErrCodeConflict                = "conflict"
	ErrCodeInternalError           = "internal_error"
)

// Predefined errors
var (
	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrValidation = &AppError{
		Code:       ErrCodeValidation,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrBudgetExceeded = &AppError{
		Code:       ErrCodeBudgetExceeded,
		Message:    "Insufficient budget",
		StatusCode: http.StatusPaymentRequired,
	}

	ErrSessionNotActive = &AppError{
		Code:       ErrCodeSessionNotActive,
		Message:    "Session is not active",
		StatusCode: http.StatusConflict,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrConflict = &AppError{
		Code:       ErrCodeConflict,
		Message:    "Request conflict",
		StatusCode: http.StatusConflict,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// Validation creates a validation error
func Validation(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    "Invalid request parameters",
		Detail:     detail,
		StatusCode: http.StatusBadRequest,
	}
}

// Validationf is Validation with a format string.
func Validationf(format string, args ...any) *AppError {
	return Validation(fmt.Sprintf(format, args...))
}

// NotFound creates a not found error for a resource kind and id
func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s not found", kind),
		Detail:     fmt.Sprintf("id: %s", id),
		StatusCode: http.StatusNotFound,
	}
}

// PolicyViolation creates a policy violation error
func PolicyViolation(reason string) *AppError {
	return &AppError{
		Code:       ErrCodePolicyViolation,
		Message:    "Policy denied",
		Detail:     reason,
		StatusCode: http.StatusForbidden,
	}
}

// DelegationInvalid creates a delegation error
func DelegationInvalid(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeDelegationInvalid,
		Message:    "Delegation invalid",
		Detail:     reason,
		StatusCode: http.StatusForbidden,
	}
}

// BudgetExceeded creates an insufficient budget error
func BudgetExceeded(sessionID, requested, remaining string) *AppError {
	return &AppError{
		Code:       ErrCodeBudgetExceeded,
		Message:    "Insufficient budget",
		Detail:     fmt.Sprintf("session_id: %s, requested: %s, remaining: %s", sessionID, requested, remaining),
		StatusCode: http.StatusPaymentRequired,
	}
}

// SessionNotActive creates an error for operations on a non-active session
func SessionNotActive(sessionID, status string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotActive,
		Message:    "Session is not active",
		Detail:     fmt.Sprintf("session_id: %s, status: %s", sessionID, status),
		StatusCode: http.StatusConflict,
	}
}

// CollaboratorUnavailable creates an error for a failing external dependency
func CollaboratorUnavailable(name string, cause error) *AppError {
	detail := name
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", name, cause)
	}
	return &AppError{
		Code:       ErrCodeCollaboratorUnavailable,
		Message:    "Collaborator unavailable",
		Detail:     detail,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// Conflict creates a conflict error
func Conflict(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    "Request conflict",
		Detail:     detail,
		StatusCode: http.StatusConflict,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}
