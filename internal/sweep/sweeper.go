package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/crochetai/backend/internal/logger"
)

const (
	DefaultInterval  = time.Hour
	DefaultRetention = 7 * 24 * time.Hour
	DefaultBatchSize = 1000
)

// Store deletes refresh tokens that expired before cutoff, at most limit rows
// per call.
type Store interface {
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Observer receives the outcome of each run.
type Observer interface {
	RecordSweep(deleted int64, err error)
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// Sweeper periodically deletes refresh tokens long past their expiry. It is
// storage reclamation only: expired rows are already rejected on use.
type Sweeper struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	batchSize int
	observer  Observer
	log       *logger.Logger
	now       func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.Mutex
	running  bool
}

func New(store Store, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		store:     store,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		log:       logger.Default().WithComponent("sweep"),
		now:       time.Now,
	}
}

// SetObserver installs a run observer.
func (s *Sweeper) SetObserver(o Observer) {
	s.observer = o
}

// Start launches the sweep loop. Calling it twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopChan)

	s.log.Info(context.Background(), "token sweeper started", logger.Fields{
		"interval":  s.interval.String(),
		"retention": s.retention.String(),
	})
}

// Stop ends the loop, waiting for an in-flight run or until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce deletes every row whose expiry is older than the retention window,
// one batch at a time, and returns how many rows went.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	var total int64
	var err error
	for {
		var n int64
		n, err = s.store.DeleteExpired(ctx, cutoff, s.batchSize)
		total += n
		if err != nil || n < int64(s.batchSize) || ctx.Err() != nil {
			break
		}
	}

	if s.observer != nil {
		s.observer.RecordSweep(total, err)
	}
	if err != nil {
		s.log.Error(ctx, "token sweep failed", err, logger.Fields{"deleted": total})
		return total, err
	}
	if total > 0 {
		s.log.Info(ctx, "swept expired refresh tokens", logger.Fields{"deleted": total})
	}
	return total, nil
}
