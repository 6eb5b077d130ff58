//go:build integration

package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("crochetai"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestPostgresLedger(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	users := NewUserRepository(db)
	tokens := NewTokenRepository(db)
	audit := NewAuditRepository(db)

	user := testUser()
	require.NoError(t, users.Create(ctx, user, []string{"User"}))
	assert.ErrorIs(t, users.Create(ctx, testUser(), nil), ErrDuplicateUsername)

	roles, err := users.GetRoles(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"User"}, roles)

	now := time.Now().UTC().Truncate(time.Microsecond)
	token := &RefreshToken{ID: uuid.New(), UserID: user.ID, TokenHash: "a" + uuid.NewString()[:8],
		CreatedAt: now.Add(-time.Second), ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, tokens.Create(ctx, token))
	assert.ErrorIs(t, tokens.Create(ctx, &RefreshToken{ID: uuid.New(), UserID: user.ID, TokenHash: token.TokenHash,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour)}), ErrDuplicateToken)

	got, err := tokens.GetActiveByHash(ctx, token.TokenHash, now)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)

	_, err = tokens.GetActiveByHash(ctx, token.TokenHash, token.ExpiresAt)
	assert.ErrorIs(t, err, ErrNotFound, "expiry is exclusive")

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tokens.Revoke(ctx, token.TokenHash, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	stale := &RefreshToken{ID: uuid.New(), UserID: user.ID, TokenHash: "b" + uuid.NewString()[:8],
		CreatedAt: now.Add(-30 * 24 * time.Hour), ExpiresAt: now.Add(-10 * 24 * time.Hour)}
	require.NoError(t, tokens.Create(ctx, stale))
	n, err := tokens.DeleteExpired(ctx, now.Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, audit.WriteBatch(ctx, []AuditLog{{
		ID: uuid.New(), UserID: user.ID, Action: "Login", IPAddress: "127.0.0.1",
		Details: []byte(`{"method":"password"}`), Timestamp: now,
	}}))
	logs, err := audit.ListByUser(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Login", logs[0].Action)
}
