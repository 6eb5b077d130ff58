package auth

import (
	"errors"
	"strings"
)

var (
	ErrAlreadyRegistered   = errors.New("already registered")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUnauthenticated     = errors.New("unauthenticated")

	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrSigningKeyTooShort = errors.New("signing key must be at least 32 bytes")
)

// ConflictError reports which identity field is already claimed.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	if e.Field == "username" {
		return "Username already taken"
	}
	return "Email already registered"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// PolicyError lists every credential rule a registration broke.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return strings.Join(e.Reasons, ", ")
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrInvalidRequest
}
