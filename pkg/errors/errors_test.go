package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without detail",
			err: &AppError{
				Code:    ErrCodeNotFound,
				Message: "Resource not found",
			},
			expected: "not_found: Resource not found",
		},
		{
			name: "error with detail",
			err: &AppError{
				Code:    ErrCodeValidation,
				Message: "Invalid request parameters",
				Detail:  "max_amount is required",
			},
			expected: "validation_error: Invalid request parameters (max_amount is required)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestNew(t *testing.T) {
	err := New("test_code", "Test message", http.StatusTeapot)

	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "Test message", err.Message)
	assert.Equal(t, http.StatusTeapot, err.StatusCode)
	assert.Empty(t, err.Detail)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		statusCode int
		detail     string
	}{
		{"validation", Validation("bad field"), ErrCodeValidation, http.StatusBadRequest, "bad field"},
		{"validationf", Validationf("field %s", "x"), ErrCodeValidation, http.StatusBadRequest, "field x"},
		{"not found", NotFound("policy", "p-1"), ErrCodeNotFound, http.StatusNotFound, "p-1"},
		{"policy violation", PolicyViolation("Policy is revoked"), ErrCodePolicyViolation, http.StatusForbidden, "Policy is revoked"},
		{"delegation", DelegationInvalid("Delegatee mismatch"), ErrCodeDelegationInvalid, http.StatusForbidden, "Delegatee mismatch"},
		{"budget", BudgetExceeded("s-1", "5000", "1000"), ErrCodeBudgetExceeded, http.StatusPaymentRequired, "remaining: 1000"},
		{"session", SessionNotActive("s-1", "paused"), ErrCodeSessionNotActive, http.StatusConflict, "paused"},
		{"collaborator", CollaboratorUnavailable("ledger", errors.New("timeout")), ErrCodeCollaboratorUnavailable, http.StatusServiceUnavailable, "ledger: timeout"},
		{"conflict", Conflict("already active"), ErrCodeConflict, http.StatusConflict, "already active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.statusCode, tt.err.StatusCode)
			assert.Contains(t, tt.err.Detail, tt.detail)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestIsAppError(t *testing.T) {
	t.Run("returns AppError when error is AppError", func(t *testing.T) {
		originalErr := New("test", "test", http.StatusBadRequest)
		appErr, ok := IsAppError(originalErr)

		require.True(t, ok)
		assert.Equal(t, originalErr, appErr)
	})

	t.Run("returns false when error is not AppError", func(t *testing.T) {
		appErr, ok := IsAppError(errors.New("standard error"))

		assert.False(t, ok)
		assert.Nil(t, appErr)
	})

	t.Run("works with wrapped errors", func(t *testing.T) {
		originalErr := NotFound("session", "s-1")
		wrappedErr := fmt.Errorf("get session: %w", originalErr)

		appErr, ok := IsAppError(wrappedErr)

		require.True(t, ok)
		assert.Equal(t, originalErr, appErr)
	})
}

func TestHasCodeAndIs(t *testing.T) {
	err := fmt.Errorf("record: %w", BudgetExceeded("s-1", "10", "5"))

	assert.True(t, HasCode(err, ErrCodeBudgetExceeded))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeBudgetExceeded))
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestErrorCodeConstants(t *testing.T) {
	codes := []string{
		ErrCodeValidation,
		ErrCodeNotFound,
		ErrCodePolicyViolation,
		ErrCodeDelegationInvalid,
		ErrCodeBudgetExceeded,
		ErrCodeEvaluationError,
		ErrCodeCollaboratorUnavailable,
		ErrCodeSessionNotActive,
		ErrCodeConflict,
		ErrCodeInternalError,
	}

	uniqueCodes := make(map[string]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code, "error code should not be empty")
		assert.False(t, uniqueCodes[code], "error code %s is duplicate", code)
		uniqueCodes[code] = true
	}
}
