// Package audit delivers audit entries to their sinks off the request path.
// Recording never blocks: when the buffer is full the entry is dropped and
// counted.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crochetai/backend/internal/db"
	"github.com/crochetai/backend/internal/logger"
)

// Sink persists a batch of audit entries.
type Sink interface {
	WriteBatch(ctx context.Context, entries []db.AuditLog) error
}

// Observer is told about entries that never reached a sink.
type Observer interface {
	RecordAuditDropped()
	RecordAuditFailure()
}

// Config controls dispatcher buffering behavior.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BufferSize <= 0 {
		out.BufferSize = 256
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	return out
}

// Dispatcher asynchronously forwards audit entries to its sinks in batches.
type Dispatcher struct {
	cfg      Config
	sinks    []Sink
	observer Observer
	log      *logger.Logger

	ch        chan db.AuditLog
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. Call Close to drain it.
func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		sinks:    sinks,
		observer: nopObserver{},
		log:      logger.Default().WithComponent("audit"),
		ch:       make(chan db.AuditLog, cfg.BufferSize),
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// SetObserver installs a drop and failure observer. Call before Record.
func (d *Dispatcher) SetObserver(o Observer) {
	if o != nil {
		d.observer = o
	}
}

// Record queues entry for delivery. It never blocks the caller.
func (d *Dispatcher) Record(entry db.AuditLog) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- entry:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.observer.RecordAuditDropped()
	}
}

// Dropped reports how many entries were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting entries, flushes what is buffered and waits for the
// sinks, or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]db.AuditLog, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]db.AuditLog, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case entry := <-d.ch:
			batch = append(batch, entry)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					batch = append(batch, entry)
					if len(batch) >= d.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(batch []db.AuditLog) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err := sink.WriteBatch(ctx, batch)
		cancel()
		if err != nil {
			d.observer.RecordAuditFailure()
			d.log.Error(context.Background(), "failed to write audit batch", err, logger.Fields{
				"entries": len(batch),
			})
		}
	}
}

type nopObserver struct{}

func (nopObserver) RecordAuditDropped() {}
func (nopObserver) RecordAuditFailure() {}
