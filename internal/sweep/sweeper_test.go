package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crochetai/backend/internal/db"
)

func seed(t *testing.T, store *db.MemoryTokenStore, n int, expiresAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Create(context.Background(), &db.RefreshToken{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			TokenHash: uuid.NewString(),
			ExpiresAt: expiresAt,
			CreatedAt: expiresAt.Add(-7 * 24 * time.Hour),
		}))
	}
}

func TestRunOnce_DeletesOnlyPastRetention(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := db.NewMemoryTokenStore()

	seed(t, store, 5, now.Add(-8*24*time.Hour)) // long gone
	seed(t, store, 3, now.Add(-6*24*time.Hour)) // expired, still retained
	seed(t, store, 2, now.Add(2*24*time.Hour))  // active

	s := New(store, Config{BatchSize: 2})
	s.now = func() time.Time { return now }

	deleted, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
	assert.Equal(t, 5, store.Len())
}

type flakyStore struct {
	calls atomic.Int32
}

func (f *flakyStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if f.calls.Add(1) == 1 {
		return int64(limit), nil
	}
	return 0, errors.New("connection reset")
}

type recordingObserver struct {
	deleted int64
	err     error
}

func (r *recordingObserver) RecordSweep(deleted int64, err error) {
	r.deleted, r.err = deleted, err
}

func TestRunOnce_ReportsErrors(t *testing.T) {
	obs := &recordingObserver{}
	s := New(&flakyStore{}, Config{BatchSize: 10})
	s.SetObserver(obs)

	deleted, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(10), deleted)
	assert.Equal(t, int64(10), obs.deleted)
	assert.Error(t, obs.err)
}

type countingStore struct {
	calls atomic.Int32
}

func (c *countingStore) DeleteExpired(context.Context, time.Time, int) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestStartStop(t *testing.T) {
	store := &countingStore{}
	s := New(store, Config{Interval: 5 * time.Millisecond})

	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return store.calls.Load() >= 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	calls := store.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, store.calls.Load(), "no runs after Stop")
}
