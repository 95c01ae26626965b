// Package dispatch hands append jobs to a publisher without blocking the caller.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"companionchat/internal/util"
	"companionchat/pkg/domain"
	"companionchat/pkg/queue"
)

// ErrClosed is reported when Dispatch is called after Close.
var ErrClosed = errors.New("dispatcher closed")

// Config sizes the dispatcher.
type Config struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Dispatcher owns a bounded job buffer and the workers that drain it.
// Each job is published at most once; failures are logged and dropped.
type Dispatcher struct {
	publisher queue.Publisher
	jobs      chan domain.AppendJob
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts cfg.Workers goroutines publishing through p.
func New(p queue.Publisher, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		publisher: p,
		jobs:      make(chan domain.AppendJob, cfg.QueueSize),
		timeout:   cfg.PublishTimeout,
		logger:    cfg.Logger.With("component", "append_dispatcher"),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Dispatch enqueues job and returns immediately. It reports false when the
// job was dropped because the buffer is full or the dispatcher is closed.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.AppendJob) bool {
	if job.ID == "" {
		job.ID = util.NewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	logger := util.LoggerFromContext(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		logger.Warn("append job dropped", "reason", ErrClosed.Error(), "job_id", job.ID, "username", job.Username, "chat_id", job.ChatID)
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		logger.Warn("append job dropped", "reason", "dispatch buffer full", "job_id", job.ID, "username", job.Username, "chat_id", job.ChatID)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for job := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.publisher.Publish(ctx, job)
		cancel()
		if err != nil {
			d.logger.Warn("append job publish failed", "job_id", job.ID, "username", job.Username, "chat_id", job.ChatID, "err", err)
			continue
		}
		d.logger.Debug("append job published", "job_id", job.ID, "username", job.Username, "chat_id", job.ChatID)
	}
}

// Close stops accepting jobs and waits for buffered jobs to be published
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
