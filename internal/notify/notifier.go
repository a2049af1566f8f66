package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/codex/internal/store"
)

// ErrUnavailable is returned after too many consecutive failed polls.
var ErrUnavailable = errors.New("job progress unavailable")

// JobSource reads job snapshots and can fail a stalled job.
// *store.Store implements it.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	FailJob(ctx context.Context, id, msg string) (bool, error)
}

// Sink is one client connection. Calls come from a single goroutine.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Heartbeat(ctx context.Context) error
}

// Config configures a Notifier. Zero values take defaults.
type Config struct {
	Interval               time.Duration `mapstructure:"interval"`                 // poll interval (default 2s)
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`       // keepalive interval (default 15s)
	StallAfter             time.Duration `mapstructure:"stall_after"`              // idle IN_PROGRESS threshold (default 30m)
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"` // failed polls before giving up (default 5)
	PollAttempts           uint          `mapstructure:"poll_attempts"`            // reads per poll (default 3)
	PollDelay              time.Duration `mapstructure:"poll_delay"`               // delay between reads (default 250ms)

	Logger *slog.Logger `mapstructure:"-"`
	// Now overrides the clock used by the stall watchdog.
	Now func() time.Time `mapstructure:"-"`
}

// Notifier streams job progress. It holds no per-connection state; every
// Stream call is independent.
type Notifier struct {
	src    JobSource
	cfg    Config
	logger *slog.Logger
}

// New creates a notifier.
func New(src JobSource, cfg Config) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 30 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = 3
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Notifier{src: src, cfg: cfg, logger: cfg.Logger}
}

// Snapshot reads the job once with the poll retry policy. Transports call
// it before committing to a stream so an unknown job can be reported as
// such.
func (n *Notifier) Snapshot(ctx context.Context, jobID string) (*store.Job, error) {
	var job *store.Job
	err := retry.Do(
		func() error {
			j, err := n.src.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			job = j
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(n.cfg.PollAttempts),
		retry.Delay(n.cfg.PollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, store.ErrNotFound) }),
	)
	return job, err
}

// Stream pushes events for jobID to sink until the job reaches a terminal
// status, the poll budget is exhausted or ctx ends. A client disconnect
// (ctx cancelled) returns nil.
func (n *Notifier) Stream(ctx context.Context, jobID string, sink Sink) error {
	logger := n.logger.With("job_id", jobID)

	job, err := n.Snapshot(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	prev := snapshotOf(job)

	if t, ok := statusEvent(job.Status); ok {
		if err := sink.Send(ctx, Event{JobID: jobID, Type: t, Data: prev}); err != nil {
			return closed(ctx, err)
		}
		if t.Terminal() {
			return nil
		}
	}

	poll := time.NewTicker(n.cfg.Interval)
	defer poll.Stop()
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("client disconnected")
			return nil

		case <-heartbeat.C:
			if err := sink.Heartbeat(ctx); err != nil {
				return closed(ctx, err)
			}

		case <-poll.C:
			job, err := n.Snapshot(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				logger.Warn("progress poll failed", "failures", failures, "error", err)
				if failures < n.cfg.MaxConsecutiveFailures && !errors.Is(err, store.ErrNotFound) {
					continue
				}
				e := Event{JobID: jobID, Type: JobFailed, Data: map[string]any{
					"error": fmt.Sprintf("progress unavailable: %v", err),
				}}
				if serr := sink.Send(ctx, e); serr != nil {
					return closed(ctx, serr)
				}
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			failures = 0

			if job, err = n.watchdog(ctx, logger, job); err != nil {
				logger.Warn("stall check failed", "error", err)
			}

			next := snapshotOf(job)
			for _, e := range Diff(jobID, prev, next) {
				if err := sink.Send(ctx, e); err != nil {
					return closed(ctx, err)
				}
				if e.Type.Terminal() {
					return nil
				}
			}
			prev = next
		}
	}
}

// watchdog force-fails an IN_PROGRESS job whose record has not moved for
// longer than StallAfter. It returns the snapshot to diff against.
func (n *Notifier) watchdog(ctx context.Context, logger *slog.Logger, job *store.Job) (*store.Job, error) {
	if job.Status != store.StatusInProgress {
		return job, nil
	}
	idle := n.cfg.Now().Sub(job.UpdatedAt)
	if idle <= n.cfg.StallAfter {
		return job, nil
	}

	msg := fmt.Sprintf("stalled: no progress for %s (%d/%d batches)",
		idle.Truncate(time.Second), job.CurrentBatchIndex, job.TotalBatches)
	ok, err := n.src.FailJob(ctx, job.ID, msg)
	if err != nil {
		return job, err
	}
	if ok {
		logger.Warn("job stalled, marked failed", "idle", idle)
	}
	// Either we failed it or something else moved it on; reread.
	fresh, err := n.src.GetJob(ctx, job.ID)
	if err != nil {
		return job, err
	}
	return fresh, nil
}

// closed converts a sink error into Stream's return value: nil when the
// client went away, the error otherwise.
func closed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("send progress event: %w", err)
}
