package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTokenStore is an in-process token ledger with the same semantics as
// TokenRepository. It backs STORE=memory and the service tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	byHash map[string]*RefreshToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{byHash: make(map[string]*RefreshToken)}
}

func (s *MemoryTokenStore) Create(ctx context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[token.TokenHash]; ok {
		return ErrDuplicateToken
	}
	cp := *token
	s.byHash[token.TokenHash] = &cp
	return nil
}

func (s *MemoryTokenStore) GetActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHash[tokenHash]
	if !ok || !t.IsActive(now) {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTokenStore) Revoke(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byHash[tokenHash]
	if !ok || !t.IsActive(now) {
		return false, nil
	}
	revokedAt := now
	t.RevokedAt = &revokedAt
	return true, nil
}

func (s *MemoryTokenStore) RevokeAllForUser(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.byHash {
		if t.UserID == userID && t.IsActive(before) && t.CreatedAt.Before(before) {
			revokedAt := before
			t.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (s *MemoryTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, t := range s.byHash {
		if int(n) >= limit {
			break
		}
		if t.ExpiresAt.Before(cutoff) {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows, revoked or not.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// MemoryUserStore keeps users in process.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
	roles map[uuid.UUID][]string
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users: make(map[uuid.UUID]*User),
		roles: make(map[uuid.UUID][]string),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, user *User, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.NormalizedEmail == user.NormalizedEmail {
			return ErrDuplicateEmail
		}
		if u.NormalizedUsername == user.NormalizedUsername {
			return ErrDuplicateUsername
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	s.roles[user.ID] = append([]string(nil), roles...)
	return nil
}

func (s *MemoryUserStore) find(match func(*User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryUserStore) GetByEmail(ctx context.Context, normalizedEmail string) (*User, error) {
	return s.find(func(u *User) bool { return u.NormalizedEmail == normalizedEmail })
}

func (s *MemoryUserStore) GetByUsername(ctx context.Context, normalizedUsername string) (*User, error) {
	return s.find(func(u *User) bool { return u.NormalizedUsername == normalizedUsername })
}

func (s *MemoryUserStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.find(func(u *User) bool { return u.ID == id })
}

func (s *MemoryUserStore) GetRoles(ctx context.Context, id uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := append([]string(nil), s.roles[id]...)
	sort.Strings(roles)
	return roles, nil
}

// Delete removes a user. Used to simulate accounts removed out of band.
func (s *MemoryUserStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	delete(s.roles, id)
}

// MemoryAuditStore collects audit entries in process.
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []AuditLog
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) WriteBatch(ctx context.Context, entries []AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryAuditStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditLog
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}
