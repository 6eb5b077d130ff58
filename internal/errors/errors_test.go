package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError_AppError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, "req-1", InvalidCredentials())

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Invalid credentials", body.Error)
	assert.Equal(t, CodeInvalidCredentials, body.Code)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestWriteError_UnknownErrorIsHidden(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, "", fmt.Errorf("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestHandleFunc(t *testing.T) {
	h := HandleFunc(func(w http.ResponseWriter, r *http.Request) error {
		return AlreadyRegistered("Email already registered").WithDetails(map[string]any{"field": "email"})
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithRequestID(req.Context(), "abc"))
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "email", body.Details["field"])
	assert.Equal(t, "abc", body.RequestID)
}

func TestRetry(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("503 service unavailable")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			return BadRequest("nope")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			return fmt.Errorf("connection reset by peer")
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
	})
}
