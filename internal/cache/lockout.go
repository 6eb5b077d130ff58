package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockoutUnavailable indicates the lockout backend is unreachable.
var ErrLockoutUnavailable = errors.New("lockout backend unavailable")

// LockoutConfig holds the failed-login policy.
type LockoutConfig struct {
	// Threshold is the number of consecutive failures that locks the account.
	Threshold int
	// Duration is both the lock length and the window failures are counted in.
	Duration time.Duration
}

// RedisLockout counts failed logins per account in Redis. Reaching the
// threshold sets a lock key with a TTL and clears the counter.
type RedisLockout struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

func NewRedisLockout(client redis.UniversalClient, cfg LockoutConfig) *RedisLockout {
	return &RedisLockout{redis: client, config: cfg}
}

func (l *RedisLockout) failKey(account string) string { return "lockout:fail:" + account }
func (l *RedisLockout) lockKey(account string) string { return "lockout:lock:" + account }

func (l *RedisLockout) IsLocked(ctx context.Context, account string) (bool, error) {
	n, err := l.redis.Exists(ctx, l.lockKey(account)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return n > 0, nil
}

// RecordFailure counts one failure and reports whether it locked the account.
func (l *RedisLockout) RecordFailure(ctx context.Context, account string) (bool, error) {
	// The window starts at the first failure; NX keeps later ones from extending it.
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, l.failKey(account))
		pipe.ExpireNX(ctx, l.failKey(account), l.config.Duration)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	count := incr.Val()

	if count < int64(l.config.Threshold) {
		return false, nil
	}

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.lockKey(account), 1, l.config.Duration)
		pipe.Del(ctx, l.failKey(account))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return true, nil
}

// Reset clears the failure counter after a successful login.
func (l *RedisLockout) Reset(ctx context.Context, account string) error {
	if err := l.redis.Del(ctx, l.failKey(account)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// failureWindow mirrors the Redis counter key and its TTL.
type failureWindow struct {
	count   int
	expires time.Time
}

// MemoryLockout is the single-process equivalent of RedisLockout.
type MemoryLockout struct {
	mu       sync.Mutex
	config   LockoutConfig
	failures map[string]*failureWindow
	until    map[string]time.Time
	now      func() time.Time
}

func NewMemoryLockout(cfg LockoutConfig) *MemoryLockout {
	return &MemoryLockout{
		config:   cfg,
		failures: make(map[string]*failureWindow),
		until:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (l *MemoryLockout) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLockout) IsLocked(ctx context.Context, account string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.until[account]
	if !ok {
		return false, nil
	}
	if !l.now().Before(until) {
		delete(l.until, account)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLockout) RecordFailure(ctx context.Context, account string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.failures[account]
	if !ok || !now.Before(w.expires) {
		w = &failureWindow{expires: now.Add(l.config.Duration)}
		l.failures[account] = w
	}
	w.count++
	if w.count < l.config.Threshold {
		return false, nil
	}
	delete(l.failures, account)
	l.until[account] = now.Add(l.config.Duration)
	return true, nil
}

func (l *MemoryLockout) Reset(ctx context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, account)
	return nil
}
