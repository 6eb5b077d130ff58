package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/crochetai/backend/internal/db"
	"github.com/crochetai/backend/internal/logger"
)

const (
	BcryptCost = 12

	DefaultSubscriptionTier = "Free"
	DefaultRole             = "User"
)

// Audit actions.
const (
	ActionRegister     = "Register"
	ActionLogin        = "Login"
	ActionLoginFailed  = "LoginFailed"
	ActionRefreshToken = "RefreshToken"
	ActionLogout       = "Logout"
)

// UserStore is the credential store the service consumes.
type UserStore interface {
	Create(ctx context.Context, user *db.User, roles []string) error
	GetByEmail(ctx context.Context, normalizedEmail string) (*db.User, error)
	GetByUsername(ctx context.Context, normalizedUsername string) (*db.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetRoles(ctx context.Context, id uuid.UUID) ([]string, error)
}

// LockoutTracker counts failed password checks per account.
type LockoutTracker interface {
	IsLocked(ctx context.Context, account string) (bool, error)
	RecordFailure(ctx context.Context, account string) (bool, error)
	Reset(ctx context.Context, account string) error
}

// AuditRecorder accepts audit entries without blocking the caller.
type AuditRecorder interface {
	Record(entry db.AuditLog)
}

// Observer receives auth outcomes, e.g. for metrics.
type Observer interface {
	RecordAuth(operation, outcome string)
}

// ClientInfo describes where a request came from, for the audit trail.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type UserInfo struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	SubscriptionTier string    `json:"subscriptionTier"`
	CreatedAt        time.Time `json:"createdAt"`
}

type AuthResponse struct {
	User         *UserInfo `json:"user,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int       `json:"expiresIn"`
}

type ServiceConfig struct {
	BcryptCost     int
	PasswordPolicy PasswordPolicy
}

// Service runs the register, login, refresh and logout flows.
type Service struct {
	users    UserStore
	tokens   *TokenService
	lockout  LockoutTracker
	audit    AuditRecorder
	observer Observer
	log      *logger.Logger

	bcryptCost int
	policy     PasswordPolicy

	// dummyHash is compared against when there is no usable hash so that
	// unknown and locked accounts cost the same as a wrong password.
	dummyHash []byte
	compare   func(hash, password []byte) error
}

func NewService(users UserStore, tokens *TokenService, lockout LockoutTracker, audit AuditRecorder, cfg ServiceConfig) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = BcryptCost
	}
	if cfg.PasswordPolicy == (PasswordPolicy{}) {
		cfg.PasswordPolicy = DefaultPasswordPolicy()
	}
	if cfg.PasswordPolicy.MaxBytes <= 0 || cfg.PasswordPolicy.MaxBytes > maxPasswordBytes {
		cfg.PasswordPolicy.MaxBytes = maxPasswordBytes
	}
	dummyHash, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	return &Service{
		users:      users,
		tokens:     tokens,
		lockout:    lockout,
		audit:      audit,
		observer:   nopObserver{},
		log:        logger.Default().WithComponent("auth"),
		bcryptCost: cfg.BcryptCost,
		policy:     cfg.PasswordPolicy,
		dummyHash:  dummyHash,
		compare:    bcrypt.CompareHashAndPassword,
	}
}

// SetObserver installs an outcome observer.
func (s *Service) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(l *logger.Logger) {
	s.log = l.WithComponent("auth")
}

// Tokens exposes the token service for access token verification.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Register creates an account with the default tier and signs it in.
func (s *Service) Register(ctx context.Context, username, email, password string, client ClientInfo) (resp *AuthResponse, err error) {
	defer func() { s.observe("register", err) }()

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if _, err := s.users.GetByEmail(ctx, NormalizeEmail(email)); err == nil {
		return nil, &ConflictError{Field: "email"}
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}
	if _, err := s.users.GetByUsername(ctx, NormalizeUsername(username)); err == nil {
		return nil, &ConflictError{Field: "username"}
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup username: %w", err)
	}

	if err := checkRegistration(s.policy, username, email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &db.User{
		ID:                 uuid.New(),
		Username:           username,
		NormalizedUsername: NormalizeUsername(username),
		Email:              email,
		NormalizedEmail:    NormalizeEmail(email),
		PasswordHash:       string(hash),
		SubscriptionTier:   DefaultSubscriptionTier,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	roles := []string{DefaultRole}

	if err := s.users.Create(ctx, user, roles); err != nil {
		// Lost a race with a concurrent registration
		switch {
		case errors.Is(err, db.ErrDuplicateEmail):
			return nil, &ConflictError{Field: "email"}
		case errors.Is(err, db.ErrDuplicateUsername):
			return nil, &ConflictError{Field: "username"}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	resp, err = s.issuePair(ctx, user, roles)
	if err != nil {
		return nil, err
	}

	s.record(user.ID, ActionRegister, client, nil)
	s.log.Info(ctx, "user registered", logger.Fields{"user_id": user.ID.String()})

	resp.User = publicUser(user)
	return resp, nil
}

// Login verifies the password under lockout, revokes every earlier refresh
// token of the account and then issues a new pair. A locked account fails
// exactly like a wrong password.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (resp *AuthResponse, err error) {
	defer func() { s.observe("login", err) }()

	user, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			_ = s.compare(s.dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !s.checkPassword(ctx, user, password) {
		s.record(user.ID, ActionLoginFailed, client, nil)
		return nil, ErrInvalidCredentials
	}

	// Revoke strictly before issuing so the new token is not caught by it.
	revoked, err := s.tokens.RevokeAllForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("revoke previous sessions: %w", err)
	}

	roles, err := s.users.GetRoles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}

	resp, err = s.issuePair(ctx, user, roles)
	if err != nil {
		return nil, err
	}

	s.record(user.ID, ActionLogin, client, map[string]any{"revokedSessions": revoked})
	resp.User = publicUser(user)
	return resp, nil
}

// checkPassword verifies password with lockout tracking. Lockout backend
// errors are logged and do not block the login.
func (s *Service) checkPassword(ctx context.Context, user *db.User, password string) bool {
	account := user.ID.String()

	locked, err := s.lockout.IsLocked(ctx, account)
	if err != nil {
		s.log.Error(ctx, "lockout check failed", err, logger.Fields{"user_id": account})
	}
	if locked {
		_ = s.compare(s.dummyHash, []byte(password))
		return false
	}

	if s.compare([]byte(user.PasswordHash), []byte(password)) != nil {
		nowLocked, err := s.lockout.RecordFailure(ctx, account)
		if err != nil {
			s.log.Error(ctx, "failed to record login failure", err, logger.Fields{"user_id": account})
		}
		if nowLocked {
			s.log.Warn(ctx, "account locked out", logger.Fields{"user_id": account})
		}
		return false
	}

	if err := s.lockout.Reset(ctx, account); err != nil {
		s.log.Error(ctx, "failed to reset lockout counter", err, logger.Fields{"user_id": account})
	}
	return true
}

// RefreshToken rotates a refresh token: the presented secret is revoked and
// a new pair is issued. When two callers race with the same secret only one
// of them gets a pair.
func (s *Service) RefreshToken(ctx context.Context, secret string, client ClientInfo) (resp *AuthResponse, err error) {
	defer func() { s.observe("refresh", err) }()

	token, err := s.tokens.ValidateRefreshToken(ctx, secret)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	won, err := s.tokens.claim(ctx, token.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	if !won {
		s.log.Warn(ctx, "refresh token reuse detected", logger.Fields{"user_id": user.ID.String()})
		return nil, ErrInvalidRefreshToken
	}

	roles, err := s.users.GetRoles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}

	resp, err = s.issuePair(ctx, user, roles)
	if err != nil {
		return nil, err
	}

	s.record(user.ID, ActionRefreshToken, client, nil)
	return resp, nil
}

// Logout revokes every refresh token of the user. Access tokens already
// handed out stay valid until they expire.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID, client ClientInfo) (err error) {
	defer func() { s.observe("logout", err) }()

	if userID == uuid.Nil {
		return ErrUnauthenticated
	}

	revoked, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	s.record(userID, ActionLogout, client, map[string]any{"revokedSessions": revoked})
	return nil
}

// Me returns the public projection of the user.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*UserInfo, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return publicUser(user), nil
}

func (s *Service) issuePair(ctx context.Context, user *db.User, roles []string) (*AuthResponse, error) {
	accessToken, err := s.tokens.IssueAccessToken(user, roles)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, err := s.tokens.IssueRefreshToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) record(userID uuid.UUID, action string, client ClientInfo, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := db.AuditLog{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Timestamp: time.Now().UTC(),
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = raw
		}
	}
	s.audit.Record(entry)
}

func (s *Service) observe(operation string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		outcome = "invalid_credentials"
	case errors.Is(err, ErrInvalidRefreshToken):
		outcome = "invalid_refresh_token"
	case errors.Is(err, ErrAlreadyRegistered):
		outcome = "already_registered"
	case errors.Is(err, ErrInvalidRequest):
		outcome = "invalid_request"
	case errors.Is(err, ErrUnauthenticated):
		outcome = "unauthenticated"
	default:
		outcome = "error"
	}
	s.observer.RecordAuth(operation, outcome)
}

func publicUser(user *db.User) *UserInfo {
	return &UserInfo{
		ID:               user.ID.String(),
		Username:         user.Username,
		Email:            user.Email,
		SubscriptionTier: user.SubscriptionTier,
		CreatedAt:        user.CreatedAt,
	}
}

type nopObserver struct{}

func (nopObserver) RecordAuth(string, string) {}
