package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/codex/internal/queue"
)

// Source is the queue a Runner consumes. *queue.Queue implements it.
type Source interface {
	Name() string
	Receive(ctx context.Context, limit int, wait time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Nack(ctx context.Context, d queue.Delivery) (bool, error)
	Reject(ctx context.Context, d queue.Delivery) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Logger  *slog.Logger
	Workers int // receive loops (default 2)
	// BatchSize is how many messages one receive takes and processes
	// concurrently (default 5).
	BatchSize int
	// Wait is how long a receive blocks for the first message (default 5s).
	Wait time.Duration
	// Timeout bounds one message (default 20m).
	Timeout time.Duration
}

// Status reports a runner's counters.
type Status struct {
	Queue     string `json:"queue"`
	Workers   int    `json:"workers"`
	InFlight  int    `json:"in_flight"`
	Processed int64  `json:"processed"`
	Retried   int64  `json:"retried"`
	Dead      int64  `json:"dead"`
	Dropped   int64  `json:"dropped"`
}

// Runner pulls messages from a Source and hands them to a Handler. Workers
// share the source; Redis hands each message to one of them.
type Runner struct {
	source    Source
	handler   Handler
	logger    *slog.Logger
	workers   int
	batchSize int
	wait      time.Duration
	timeout   time.Duration

	inFlight  atomic.Int32
	processed atomic.Int64
	retried   atomic.Int64
	dead      atomic.Int64
	dropped   atomic.Int64
}

// NewRunner creates a runner.
func NewRunner(src Source, h Handler, cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	return &Runner{
		source:    src,
		handler:   h,
		logger:    logger.With("queue", src.Name(), "workers", cfg.Workers),
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		wait:      cfg.Wait,
		timeout:   cfg.Timeout,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight message has been settled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner starting", "batch_size", r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) worker(ctx context.Context, id int) {
	r.logger.Debug("worker started", "worker_id", id)
	for ctx.Err() == nil {
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("receive failed", "worker_id", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll receives one batch of messages, processes them concurrently and
// settles each. It returns how many messages were received.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	deliveries, err := r.source.Receive(ctx, r.batchSize, r.wait)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d queue.Delivery) {
			defer wg.Done()
			r.inFlight.Add(1)
			defer r.inFlight.Add(-1)
			r.process(ctx, d)
		}(d)
	}
	wg.Wait()
	return len(deliveries), nil
}

// process runs the handler and settles the delivery. Settling uses a
// context that survives shutdown so a finished message is not redelivered.
func (r *Runner) process(ctx context.Context, d queue.Delivery) {
	msgCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.handler.Handle(msgCtx, d.Raw)
	cancel()

	settle := context.WithoutCancel(ctx)
	logger := r.logger.With("receives", d.Receives)

	switch {
	case err == nil:
		r.processed.Add(1)
		if err := r.source.Ack(settle, d); err != nil {
			logger.Error("failed to ack", "error", err)
		}

	case errors.Is(err, ErrPoison):
		r.dropped.Add(1)
		logger.Warn("dropping poison message", "payload", d.Raw, "error", err)
		if err := r.source.Ack(settle, d); err != nil {
			logger.Error("failed to ack poison message", "error", err)
		}

	case errors.Is(err, ErrFatal):
		r.dead.Add(1)
		logger.Error("unrecoverable failure, dead-lettering", "error", err)
		if err := r.source.Reject(settle, d); err != nil {
			logger.Error("failed to dead-letter", "error", err)
		}

	default:
		logger.Warn("message failed", "error", err)
		dead, nerr := r.source.Nack(settle, d)
		if nerr != nil {
			logger.Error("failed to nack", "error", nerr)
			return
		}
		if dead {
			r.dead.Add(1)
		} else {
			r.retried.Add(1)
		}
	}
}

// Status returns current runner counters.
func (r *Runner) Status() Status {
	return Status{
		Queue:     r.source.Name(),
		Workers:   r.workers,
		InFlight:  int(r.inFlight.Load()),
		Processed: r.processed.Load(),
		Retried:   r.retried.Load(),
		Dead:      r.dead.Load(),
		Dropped:   r.dropped.Load(),
	}
}
