package auth

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crochetai/backend/internal/db"
)

const testSigningKey = "test-signing-key-that-is-32-bytes!"

func newTestTokenService(t *testing.T) (*TokenService, *db.MemoryTokenStore) {
	t.Helper()
	ledger := db.NewMemoryTokenStore()
	svc, err := NewTokenService(ledger, TokenConfig{
		SigningKey: testSigningKey,
		Issuer:     "crochetai",
		Audience:   "crochetai-clients",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return svc, ledger
}

func TestNewTokenService_RejectsShortKey(t *testing.T) {
	for _, key := range []string{"", "0123456789abcdef0123456789abcde"} {
		_, err := NewTokenService(db.NewMemoryTokenStore(), TokenConfig{SigningKey: key})
		assert.ErrorIs(t, err, ErrSigningKeyTooShort)
	}
}

func TestIssueAccessToken_Claims(t *testing.T) {
	svc, _ := newTestTokenService(t)
	now := time.Now().Truncate(time.Second)
	svc.SetClock(func() time.Time { return now })

	user := &db.User{ID: uuid.New(), Username: "alice", Email: "alice@x.com", SubscriptionTier: "Free"}
	signed, err := svc.IssueAccessToken(user, []string{"User", "Admin"})
	require.NoError(t, err)

	claims, err := svc.ParseAccessToken(signed)
	require.NoError(t, err)

	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, "alice@x.com", claims.Email)
	assert.Equal(t, "Free", claims.SubscriptionTier)
	assert.Equal(t, []string{"User", "Admin"}, claims.Roles)
	assert.Equal(t, "crochetai", claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"crochetai-clients"}, claims.Audience)
	assert.Equal(t, 15*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestParseAccessToken_Rejections(t *testing.T) {
	svc, _ := newTestTokenService(t)
	user := &db.User{ID: uuid.New(), Username: "alice", Email: "alice@x.com", SubscriptionTier: "Free"}

	t.Run("expired", func(t *testing.T) {
		issued := time.Now()
		svc.SetClock(func() time.Time { return issued })
		signed, err := svc.IssueAccessToken(user, nil)
		require.NoError(t, err)

		svc.SetClock(func() time.Time { return issued.Add(16 * time.Minute) })
		_, err = svc.ParseAccessToken(signed)
		assert.ErrorIs(t, err, ErrAccessTokenExpired)
		svc.SetClock(time.Now)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewTokenService(db.NewMemoryTokenStore(), TokenConfig{
			SigningKey: "another-signing-key-of-32-bytes!!", Issuer: "crochetai", Audience: "crochetai-clients",
		})
		require.NoError(t, err)
		signed, err := other.IssueAccessToken(user, nil)
		require.NoError(t, err)

		_, err = svc.ParseAccessToken(signed)
		assert.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other, err := NewTokenService(db.NewMemoryTokenStore(), TokenConfig{
			SigningKey: testSigningKey, Issuer: "crochetai", Audience: "someone-else",
		})
		require.NoError(t, err)
		signed, err := other.IssueAccessToken(user, nil)
		require.NoError(t, err)

		_, err = svc.ParseAccessToken(signed)
		assert.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": user.ID.String()})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.ParseAccessToken(signed)
		assert.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ParseAccessToken("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidAccessToken)
	})
}

func TestIssueRefreshToken_StoresOnlyHash(t *testing.T) {
	svc, ledger := newTestTokenService(t)
	ctx := context.Background()
	userID := uuid.New()

	secret, err := svc.IssueRefreshToken(ctx, userID)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	row, err := ledger.GetActiveByHash(ctx, HashToken(secret), time.Now())
	require.NoError(t, err)
	assert.Equal(t, userID, row.UserID)
	assert.Len(t, row.TokenHash, 64)
	assert.NotEqual(t, secret, row.TokenHash)
	assert.WithinDuration(t, row.CreatedAt.Add(7*24*time.Hour), row.ExpiresAt, time.Second)

	got, err := svc.ValidateRefreshToken(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
}

func TestValidateRefreshToken_ActiveWindow(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()
	issued := time.Now()
	svc.SetClock(func() time.Time { return issued })

	secret, err := svc.IssueRefreshToken(ctx, uuid.New())
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return issued.Add(7*24*time.Hour - time.Nanosecond) })
	_, err = svc.ValidateRefreshToken(ctx, secret)
	assert.NoError(t, err, "still active just before expiry")

	svc.SetClock(func() time.Time { return issued.Add(7 * 24 * time.Hour) })
	_, err = svc.ValidateRefreshToken(ctx, secret)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "expiry is exclusive")

	svc.SetClock(func() time.Time { return issued })
	require.NoError(t, svc.RevokeRefreshToken(ctx, secret))
	_, err = svc.ValidateRefreshToken(ctx, secret)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "revoked rows are not usable")

	_, err = svc.ValidateRefreshToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRevokeRefreshToken_Idempotent(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()

	secret, err := svc.IssueRefreshToken(ctx, uuid.New())
	require.NoError(t, err)

	assert.NoError(t, svc.RevokeRefreshToken(ctx, secret))
	assert.NoError(t, svc.RevokeRefreshToken(ctx, secret))
	assert.NoError(t, svc.RevokeRefreshToken(ctx, "never-issued"))

	_, err = svc.ValidateRefreshToken(ctx, secret)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashToken("abc"))
}
