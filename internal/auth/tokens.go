package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/crochetai/backend/internal/config"
	"github.com/crochetai/backend/internal/db"
)

const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour

	refreshTokenBytes = 64
)

// Ledger is the persistent store of issued refresh tokens.
type Ledger interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*db.RefreshToken, error)
	Revoke(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error)
}

// Claims is the access token payload. Roles serialise as one "role" value
// per role.
type Claims struct {
	Name             string   `json:"name"`
	Email            string   `json:"email"`
	SubscriptionTier string   `json:"subscription_tier"`
	Roles            []string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

type TokenConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService signs access tokens and manages refresh tokens in the ledger.
type TokenService struct {
	ledger     Ledger
	key        []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService refuses to build without a usable signing key, so a bad key
// stops the process at startup instead of failing requests.
func NewTokenService(ledger Ledger, cfg TokenConfig) (*TokenService, error) {
	if len(cfg.SigningKey) < config.MinSigningKeyBytes {
		return nil, ErrSigningKeyTooShort
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = AccessTokenExpiry
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = RefreshTokenExpiry
	}
	return &TokenService{
		ledger:     ledger,
		key:        []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// AccessTTL is the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccessToken signs a stateless access token for user. It never touches
// the ledger.
func (s *TokenService) IssueAccessToken(user *db.User, roles []string) (string, error) {
	now := s.now()
	claims := &Claims{
		Name:             user.Username,
		Email:            user.Email,
		SubscriptionTier: user.SubscriptionTier,
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// ParseAccessToken verifies signature, expiry, issuer and audience.
func (s *TokenService) ParseAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrAccessTokenExpired
		}
		return nil, ErrInvalidAccessToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidAccessToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

// IssueRefreshToken creates a ledger row for a fresh random secret and
// returns the secret. Only its hash is stored.
func (s *TokenService) IssueRefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(buf)

	now := s.now()
	token := &db.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: HashToken(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.ledger.Create(ctx, token); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return secret, nil
}

// ValidateRefreshToken returns the ledger row for secret when the token is
// currently usable: not revoked and not yet expired. Anything else is
// ErrInvalidRefreshToken.
func (s *TokenService) ValidateRefreshToken(ctx context.Context, secret string) (*db.RefreshToken, error) {
	if secret == "" {
		return nil, ErrInvalidRefreshToken
	}
	token, err := s.ledger.GetActiveByHash(ctx, HashToken(secret), s.now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	return token, nil
}

// RevokeRefreshToken revokes secret if it is active. Unknown, expired and
// already revoked tokens are not an error.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, secret string) error {
	_, err := s.ledger.Revoke(ctx, HashToken(secret), s.now())
	return err
}

// claim revokes the token and reports whether this caller was the one that
// did it. Concurrent rotations of the same secret get exactly one true.
func (s *TokenService) claim(ctx context.Context, tokenHash string) (bool, error) {
	return s.ledger.Revoke(ctx, tokenHash, s.now())
}

// RevokeAllForUser revokes every active token issued to the user before now.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.ledger.RevokeAllForUser(ctx, userID, s.now())
}

// HashToken is the hex SHA-256 of a refresh secret, the ledger's lookup key.
func HashToken(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}
