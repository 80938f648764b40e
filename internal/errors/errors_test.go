package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "phone", "reason": "too short"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"AccessDenied", func() *AppError { return AccessDenied("test") }, ErrCodeAccessDenied},
		{"TrialExhausted", func() *AppError { return TrialExhausted() }, ErrCodeTrialExhausted},
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("phone", "invalid") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("userId") }, ErrCodeMissingRequired},
		{"InvalidCode", func() *AppError { return InvalidCode() }, ErrCodeInvalidCode},
		{"AlreadyUsedByOther", func() *AppError { return AlreadyUsedByOther() }, ErrCodeAlreadyUsedByOther},
		{"CapacityExceeded", func() *AppError { return CapacityExceeded() }, ErrCodeCapacityExceeded},
		{"PairingFailed", func() *AppError { return PairingFailed("socket closed") }, ErrCodePairingFailed},
		{"PairingExpired", func() *AppError { return PairingExpired() }, ErrCodePairingExpired},
		{"TransientConnection", func() *AppError { return TransientConnection(errors.New("eof")) }, ErrCodeTransientConnection},
		{"TerminalAuth", func() *AppError { return TerminalAuth() }, ErrCodeTerminalAuth},
		{"UpdateInProgress", func() *AppError { return UpdateInProgress() }, ErrCodeUpdateInProgress},
		{"UpdateFailed", func() *AppError { return UpdateFailed("fetch", errors.New("x")) }, ErrCodeUpdateFailed},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestDatabase(t *testing.T) {
	cause := errors.New("connection refused")
	err := Database(cause)
	assert.Equal(t, ErrCodeDatabase, err.Code)
	assert.Equal(t, cause, err.Unwrap())
}

func TestExternal(t *testing.T) {
	cause := errors.New("timeout")
	err := External("bridge webhook", cause)
	assert.Equal(t, ErrCodeExternal, err.Code)
	assert.Contains(t, err.Message, "bridge webhook")
	assert.Equal(t, cause, err.Unwrap())
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := InvalidCode()
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("extracts AppError through fmt wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("redeem: %w", AlreadyUsedByOther())
		assert.True(t, IsAppError(wrapped))
		assert.Equal(t, ErrCodeAlreadyUsedByOther, GetCode(wrapped))
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(NotFound("x")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
}

func TestIs(t *testing.T) {
	assert.True(t, Is(CapacityExceeded(), ErrCodeCapacityExceeded))
	assert.False(t, Is(CapacityExceeded(), ErrCodeAccessDenied))
	assert.False(t, Is(errors.New("plain"), ErrCodeInternal))
}
