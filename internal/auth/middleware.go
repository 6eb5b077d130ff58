package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/crochetai/backend/internal/errors"
)

type contextKey string

const UserContextKey contextKey = "user"

// UserContext is the resolved subject of a verified access token.
type UserContext struct {
	UserID           uuid.UUID
	Email            string
	SubscriptionTier string
	Roles            []string
}

// Middleware requires a valid bearer access token. It consults no store.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthenticated())
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				apperrors.WriteError(w, requestID, apperrors.InvalidToken("Invalid authorization header format"))
				return
			}

			claims, err := tokens.ParseAccessToken(strings.TrimSpace(parts[1]))
			if err != nil {
				msg := "Invalid access token"
				if errors.Is(err, ErrAccessTokenExpired) {
					msg = "Access token has expired"
				}
				apperrors.WriteError(w, requestID, apperrors.InvalidToken(msg))
				return
			}

			userID, _ := claims.UserID()
			userCtx := &UserContext{
				UserID:           userID,
				Email:            claims.Email,
				SubscriptionTier: claims.SubscriptionTier,
				Roles:            claims.Roles,
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
		})
	}
}

// WithUser stores the resolved subject in ctx.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUserFromContext(ctx context.Context) *UserContext {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil
	}
	return user
}
