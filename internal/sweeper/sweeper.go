// Package sweeper repairs what workers leave behind: jobs whose last worker
// died, terminal jobs past retention, dead-lettered batches and deliveries
// stuck in a queue's processing list.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
)

// Store is the slice of the job store the sweeper uses.
type Store interface {
	ListStale(ctx context.Context, before time.Time) ([]store.Job, error)
	CompleteJob(ctx context.Context, id, msg string) (bool, error)
	FailJob(ctx context.Context, id, msg string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecordDeadLetter(ctx context.Context, id, reason string) (*store.Job, error)
}

// Queue is one work queue the sweeper maintains. *queue.Queue implements it.
type Queue interface {
	Name() string
	PeekDead(ctx context.Context, limit int) ([]queue.DeadLetter, error)
	AckDead(ctx context.Context, d queue.DeadLetter) error
	RequeueExpired(ctx context.Context) (int, error)
}

// Config configures a Sweeper. Zero values take defaults.
type Config struct {
	Schedule          string        `mapstructure:"schedule"`           // cron spec (default "@every 1m")
	StaleAfter        time.Duration `mapstructure:"stale_after"`        // default 30m
	CompleteThreshold float64       `mapstructure:"complete_threshold"` // default 0.9
	Retention         time.Duration `mapstructure:"retention"`          // default 7 days
	DrainLimit        int           `mapstructure:"drain_limit"`        // dead letters per queue per run (default 100)

	Logger *slog.Logger     `mapstructure:"-"`
	Now    func() time.Time `mapstructure:"-"`
}

// Report summarizes one sweep.
type Report struct {
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	Pruned     int64 `json:"pruned"`
	Drained    int   `json:"drained"`
	DeadFailed int   `json:"dead_failed"`
	Requeued   int   `json:"requeued"`
}

// Sweeper runs the maintenance tasks on a schedule.
type Sweeper struct {
	store  Store
	queues []Queue
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a sweeper over the given queues.
func New(s Store, queues []Queue, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.CompleteThreshold <= 0 || cfg.CompleteThreshold > 1 {
		cfg.CompleteThreshold = 0.9
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{store: s, queues: queues, cfg: cfg, logger: cfg.Logger.With("component", "sweeper")}
}

// Start schedules RunOnce. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce runs every task once. A failing task does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		r    Report
		errs []error
		err  error
	)
	if r.Requeued, err = s.RequeueExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Drained, r.DeadFailed, err = s.DrainDeadLetter(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Completed, r.Failed, err = s.ReclaimStale(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Pruned, err = s.PruneTerminal(ctx); err != nil {
		errs = append(errs, err)
	}

	if r != (Report{}) {
		s.logger.Info("sweep finished",
			"completed", r.Completed, "failed", r.Failed, "pruned", r.Pruned,
			"drained", r.Drained, "dead_failed", r.DeadFailed, "requeued", r.Requeued)
	}
	return r, errors.Join(errs...)
}

// ReclaimStale settles non-terminal jobs that have not been touched for
// StaleAfter. Jobs at or above the completion threshold are marked
// COMPLETED; the rest FAILED with their progress in the message.
func (s *Sweeper) ReclaimStale(ctx context.Context) (completed, failed int, err error) {
	jobs, err := s.store.ListStale(ctx, s.cfg.Now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return 0, 0, fmt.Errorf("list stale jobs: %w", err)
	}

	for _, j := range jobs {
		ok, done, err := s.settle(ctx, &j, "stale")
		if err != nil {
			return completed, failed, err
		}
		switch {
		case !ok:
		case done:
			completed++
		default:
			failed++
		}
	}
	return completed, failed, nil
}

// settle closes a job by its completion ratio. ok is false when the job had
// already left the active states.
func (s *Sweeper) settle(ctx context.Context, j *store.Job, why string) (ok, done bool, err error) {
	ratio := j.Progress()
	logger := s.logger.With("job_id", j.ID, "progress", ratio)

	if j.TotalBatches > 0 && ratio >= s.cfg.CompleteThreshold {
		msg := fmt.Sprintf("%s: completed with %d/%d batches", why, j.CurrentBatchIndex, j.TotalBatches)
		ok, err = s.store.CompleteJob(ctx, j.ID, msg)
		if err != nil {
			return false, false, err
		}
		if ok {
			logger.Warn("marked job completed", "reason", msg)
		}
		return ok, true, nil
	}

	msg := fmt.Sprintf("%s: %d/%d batches done (%.0f%%), %d failed",
		why, j.CurrentBatchIndex, j.TotalBatches, ratio*100, j.FailedBatches)
	ok, err = s.store.FailJob(ctx, j.ID, msg)
	if err != nil {
		return false, false, err
	}
	if ok {
		logger.Warn("marked job failed", "reason", msg)
	}
	return ok, false, nil
}

// PruneTerminal deletes terminal jobs older than the retention window.
func (s *Sweeper) PruneTerminal(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteTerminalBefore(ctx, s.cfg.Now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return n, nil
}

// DrainDeadLetter charges every dead-lettered batch to its job. A job is
// marked FAILED once its retry count reaches its budget. A job with nothing
// left in flight is settled by its completion ratio instead of waiting to
// go stale. A dead letter leaves the queue only after its job has been
// charged, so a store error stops the drain with the rest still queued.
func (s *Sweeper) DrainDeadLetter(ctx context.Context) (drained, failed int, err error) {
	for _, q := range s.queues {
		msgs, err := q.PeekDead(ctx, s.cfg.DrainLimit)
		if err != nil {
			return drained, failed, fmt.Errorf("drain %s: %w", q.Name(), err)
		}

		for _, m := range msgs {
			job, err := s.store.RecordDeadLetter(ctx, m.JobID, fmt.Sprintf("batch %d dead-lettered", m.BatchIndex))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return drained, failed, fmt.Errorf("drain %s: %w", q.Name(), err)
			}
			if err := q.AckDead(ctx, m); err != nil {
				return drained, failed, err
			}
			drained++
			if job == nil || job.Status.Terminal() {
				continue
			}

			if job.MaxRetries > 0 && job.RetryCount >= job.MaxRetries {
				msg := fmt.Sprintf("%d batches dead-lettered (limit %d)", job.FailedBatches, job.MaxRetries)
				ok, err := s.store.FailJob(ctx, job.ID, msg)
				if err != nil {
					return drained, failed, err
				}
				if ok {
					failed++
					s.logger.Warn("job exceeded dead-letter budget", "job_id", job.ID, "queue", q.Name(), "failed_batches", job.FailedBatches)
				}
				continue
			}

			if job.CurrentBatchIndex+job.FailedBatches >= job.TotalBatches {
				ok, done, err := s.settle(ctx, job, "all batches resolved")
				if err != nil {
					return drained, failed, err
				}
				if ok && !done {
					failed++
				}
			}
		}
	}
	return drained, failed, nil
}

// RequeueExpired returns deliveries held past the visibility timeout to
// their queues.
func (s *Sweeper) RequeueExpired(ctx context.Context) (int, error) {
	total := 0
	for _, q := range s.queues {
		n, err := q.RequeueExpired(ctx)
		if err != nil {
			return total, fmt.Errorf("requeue %s: %w", q.Name(), err)
		}
		total += n
	}
	return total, nil
}
