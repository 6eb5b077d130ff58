package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/crochetai/backend/internal/audit"
	"github.com/crochetai/backend/internal/auth"
	"github.com/crochetai/backend/internal/cache"
	"github.com/crochetai/backend/internal/db"
	apperrors "github.com/crochetai/backend/internal/errors"
	"github.com/crochetai/backend/internal/health"
	"github.com/crochetai/backend/internal/logger"
	"github.com/crochetai/backend/internal/metrics"
)

type testServer struct {
	srv        *httptest.Server
	auditStore *db.MemoryAuditStore
	dispatcher *audit.Dispatcher
}

func newTestServer(t *testing.T, loginPerMinute int) *testServer {
	t.Helper()

	tokens, err := auth.NewTokenService(db.NewMemoryTokenStore(), auth.TokenConfig{
		SigningKey: "router-test-signing-key-32-bytes-long",
		Issuer:     "crochetai",
		Audience:   "crochetai-clients",
	})
	require.NoError(t, err)

	auditStore := db.NewMemoryAuditStore()
	dispatcher := audit.NewDispatcher(audit.Config{FlushInterval: 5 * time.Millisecond}, auditStore)
	t.Cleanup(func() { dispatcher.Close(context.Background()) })

	m := metrics.New()
	svc := auth.NewService(db.NewMemoryUserStore(), tokens,
		cache.NewMemoryLockout(cache.LockoutConfig{Threshold: 5, Duration: 15 * time.Minute}),
		dispatcher, auth.ServiceConfig{BcryptCost: bcrypt.MinCost})
	svc.SetObserver(m)

	handler := NewRouter(Config{
		AuthService:     svc,
		Health:          health.NewHandler(health.NewChecker(&health.CheckerConfig{Version: "test"})),
		Metrics:         m,
		Logger:          logger.New(&logger.Config{Output: io.Discard}),
		AllowedOrigins:  []string{"http://localhost:5173"},
		Development:     true,
		LoginPerMinute:  loginPerMinute,
		RegisterPerHour: 100,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, auditStore: auditStore, dispatcher: dispatcher}
}

func (s *testServer) do(t *testing.T, method, path string, body any, bearer string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "router-test")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, 100)

	resp := s.do(t, http.MethodPost, "/auth/register",
		map[string]string{"username": "alice", "email": "alice@x.com", "password": "Aa1!aaaa"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	registered := decode[auth.AuthResponse](t, resp)

	resp = s.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@x.com", "password": "Aa1!aaaa"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[auth.AuthResponse](t, resp)

	// Login revoked the registration session.
	resp = s.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": registered.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": login.RefreshToken}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[auth.AuthResponse](t, resp)

	resp = s.do(t, http.MethodGet, "/auth/me", nil, rotated.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[auth.UserInfo](t, resp)
	assert.Equal(t, "alice", me.Username)

	resp = s.do(t, http.MethodPost, "/auth/logout", nil, rotated.AccessToken)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/auth/refresh-token", map[string]string{"refreshToken": rotated.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errBody := decode[apperrors.ErrorResponse](t, resp)
	assert.Equal(t, "Invalid refresh token", errBody.Error)
	assert.NotEmpty(t, errBody.RequestID)

	userID := uuid.MustParse(registered.User.ID)
	require.Eventually(t, func() bool {
		entries, _ := s.auditStore.ListByUser(context.Background(), userID, 10)
		return len(entries) == 4
	}, time.Second, 5*time.Millisecond)

	entries, _ := s.auditStore.ListByUser(context.Background(), userID, 10)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Equal(t, "router-test", e.UserAgent)
		assert.Equal(t, "127.0.0.1", e.IPAddress)
	}
	assert.ElementsMatch(t, []string{auth.ActionRegister, auth.ActionLogin, auth.ActionRefreshToken, auth.ActionLogout}, actions)
}

func TestRouter_ProtectedRoutesNeedBearer(t *testing.T) {
	s := newTestServer(t, 100)

	resp := s.do(t, http.MethodPost, "/auth/logout", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/auth/me", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_LoginRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	creds := map[string]string{"email": "nobody@x.com", "password": "Aa1!aaaa"}

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodPost, "/auth/login", creds, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := s.do(t, http.MethodPost, "/auth/login", creds, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	s := newTestServer(t, 100)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp := s.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	s.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": "x"}, "")

	resp := s.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `crochetai_auth_operations_total{operation="login",outcome="invalid_credentials"} 1`)

	resp = s.do(t, http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/auth/login", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
