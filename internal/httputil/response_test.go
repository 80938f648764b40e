package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"capacity", apperrors.CapacityExceeded(), http.StatusServiceUnavailable, apperrors.ErrCodeCapacityExceeded},
		{"used by other", apperrors.AlreadyUsedByOther(), http.StatusConflict, apperrors.ErrCodeAlreadyUsedByOther},
		{"trial exhausted", apperrors.TrialExhausted(), http.StatusForbidden, apperrors.ErrCodeTrialExhausted},
		{"invalid code", apperrors.InvalidCode(), http.StatusBadRequest, apperrors.ErrCodeInvalidCode},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Code)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}
