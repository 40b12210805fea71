// Package workers runs handlers over queue messages with a fixed number of
// concurrent workers.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// MessageHandler processes a queue message. A nil error acks the message; a
// retryable error nacks it; any other error dead-letters it.
type MessageHandler func(ctx context.Context, msg *queue.Envelope) error

// Config configures a pool.
type Config struct {
	Count             int           `yaml:"count"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaintenanceInterval is how often stale messages are recovered and
	// queue depth is reported.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Count:               4,
		BatchSize:           1,
		VisibilityTimeout:   5 * time.Minute,
		PollInterval:        1 * time.Second,
		ShutdownTimeout:     60 * time.Second,
		MaintenanceInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Count <= 0 {
		c.Count = d.Count
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}

// handlerTimeout leaves headroom before the visibility timeout so a slow
// handler is cancelled before its message is redelivered.
func (c Config) handlerTimeout() time.Duration {
	if c.VisibilityTimeout > 20*time.Second {
		return c.VisibilityTimeout - 10*time.Second
	}
	return c.VisibilityTimeout
}

// Worker processes messages from a queue.
type Worker struct {
	ID      string
	config  Config
	queue   queue.Queue
	handler MessageHandler
	logger  logging.Logger

	status       atomic.Value // WorkerStatus
	lastActivity atomic.Int64

	// Metrics
	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64
	DeadCount      atomic.Int64
}

func newWorker(config Config, q queue.Queue, handler MessageHandler, logger logging.Logger) *Worker {
	w := &Worker{
		ID:      uuid.New().String(),
		config:  config,
		queue:   q,
		handler: handler,
	}
	w.logger = logger.With(logging.F("worker_id", w.ID))
	w.status.Store(WorkerStatusStarting)
	return w
}

// Status returns the worker status.
func (w *Worker) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

// LastActivity returns when the worker last picked up a message.
func (w *Worker) LastActivity() time.Time {
	n := w.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (w *Worker) run(ctx context.Context) {
	w.status.Store(WorkerStatusHealthy)
	defer w.status.Store(WorkerStatusStopped)

	for ctx.Err() == nil {
		messages, err := w.queue.Dequeue(ctx, w.config.BatchSize, w.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Dequeue failed", logging.Err(err))
			select {
			case <-time.After(w.config.PollInterval):
			case <-ctx.Done():
				return
			}
		}

		for _, msg := range messages {
			// Messages already dequeued are finished even while draining;
			// leaving them would hold them until the visibility timeout.
			w.process(context.WithoutCancel(ctx), msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Envelope) {
	w.lastActivity.Store(time.Now().UnixNano())
	log := w.logger.With(
		logging.F("queue_message_id", msg.ID),
		logging.F("kind", msg.Kind),
		logging.F("attempt", msg.Attempt),
	)

	hctx, cancel := context.WithTimeout(ctx, w.config.handlerTimeout())
	err := w.handler(hctx, msg)
	cancel()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error("Failed to ack message", logging.Err(ackErr))
		}
		w.ProcessedCount.Add(1)
		return
	}

	w.FailedCount.Add(1)
	if !pferrors.IsErrorRetryable(err) {
		log.Error("Permanent failure, moving to dead letter queue", logging.Err(err))
		if dlqErr := w.queue.DeadLetter(ctx, msg.ID, err.Error()); dlqErr != nil {
			log.Error("Failed to dead-letter message", logging.Err(dlqErr))
		}
		w.DeadCount.Add(1)
		return
	}

	disp, nackErr := w.queue.Nack(ctx, msg.ID, err)
	if nackErr != nil {
		log.Error("Failed to nack message", logging.Err(nackErr))
		return
	}
	if disp.DeadLetter {
		log.Error("Retries exhausted, moved to dead letter queue", logging.Err(err))
		w.DeadCount.Add(1)
		return
	}
	log.Warn("Processing failed, retry scheduled",
		logging.Err(err),
		logging.F("retry_in", disp.Delay.String()),
		logging.F("next_attempt", disp.Attempt+1),
	)
}

// Pool manages a pool of workers over one queue.
type Pool struct {
	config  Config
	queue   queue.Queue
	handler MessageHandler
	logger  logging.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics reports queue depth to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a worker pool.
func NewPool(config Config, q queue.Queue, handler MessageHandler, opts ...Option) *Pool {
	p := &Pool{
		config:  config.withDefaults(),
		queue:   q,
		handler: handler,
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.F("component", "workers"), logging.F("queue", q.Name()))
	return p
}

// Start starts the workers and the maintenance loop. They stop when ctx is
// done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("pool for %s already started", p.queue.Name())
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Count; i++ {
		w := newWorker(p.config, p.queue, p.handler, p.logger)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(ctx)
	}()

	p.logger.Info("Worker pool started", logging.F("workers", p.config.Count))
	return nil
}

// Stop signals the workers to drain and waits up to the shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	for _, w := range p.workers {
		w.status.Store(WorkerStatusDraining)
	}
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out", logging.F("timeout", p.config.ShutdownTimeout.String()))
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		p.runMaintenance(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) runMaintenance(ctx context.Context) {
	n, err := p.queue.RecoverStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Stale message recovery failed", logging.Err(err))
		}
	} else if n > 0 {
		p.logger.Warn("Recovered stale messages", logging.F("count", n))
	}

	depth, err := p.queue.Depth(ctx)
	if err != nil {
		return
	}
	name := p.queue.Name()
	p.metrics.SetQueueDepth(name, "ready", depth.Ready)
	p.metrics.SetQueueDepth(name, "delayed", depth.Delayed)
	p.metrics.SetQueueDepth(name, "processing", depth.Processing)
	p.metrics.SetQueueDepth(name, "dead", depth.Dead)
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Queue: p.queue.Name(), WorkerCount: len(p.workers)}
	for _, w := range p.workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
		stats.DeadLettered += w.DeadCount.Load()
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Queue        string
	WorkerCount  int
	ActiveCount  int
	Processed    int64
	Failed       int64
	DeadLettered int64
}
