// Package dispatch fans a job out into one queue message per batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
)

// Publisher accepts a group of messages and reports a result per message.
type Publisher interface {
	Name() string
	PublishBatch(ctx context.Context, msgs []queue.Message) []error
}

// PoolSizer reports how many credentials workers rotate across.
type PoolSizer interface {
	PoolSize() int
}

// PartialPublishError is returned when some messages were still rejected
// after every retry. Published messages stay published.
type PartialPublishError struct {
	Queue     string
	JobID     string
	Failed    []int // batch indices
	Published int
	Err       error // last rejection
}

func (e *PartialPublishError) Error() string {
	idx := make([]string, len(e.Failed))
	for i, b := range e.Failed {
		idx[i] = fmt.Sprint(b)
	}
	return fmt.Sprintf("publish to %s: %d of %d messages for job %s rejected (batches %s): %v",
		e.Queue, len(e.Failed), len(e.Failed)+e.Published, e.JobID, strings.Join(idx, ","), e.Err)
}

func (e *PartialPublishError) Unwrap() error { return e.Err }

// Config configures a Dispatcher.
type Config struct {
	GroupSize       int           // messages per publish call (default 10)
	PublishAttempts uint          // attempts per group (default 3)
	RetryDelay      time.Duration // first retry delay (default 200ms)
	Logger          *slog.Logger
}

// Dispatcher publishes batch messages for jobs.
type Dispatcher struct {
	analysis    Publisher
	translation Publisher
	pool        PoolSizer
	groupSize   int
	attempts    uint
	delay       time.Duration
	logger      *slog.Logger
}

// New creates a dispatcher. translation may be nil when the companion
// pipeline is not deployed.
func New(analysis, translation Publisher, pool PoolSizer, cfg Config) *Dispatcher {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 10
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		analysis:    analysis,
		translation: translation,
		pool:        pool,
		groupSize:   cfg.GroupSize,
		attempts:    cfg.PublishAttempts,
		delay:       cfg.RetryDelay,
		logger:      cfg.Logger,
	}
}

// Messages builds one message per batch of job. The key rotation index
// spreads batches round-robin over the credential pool.
func Messages(job *store.Job, poolSize int) []queue.Message {
	if poolSize <= 0 {
		poolSize = 1
	}
	msgs := make([]queue.Message, job.TotalBatches)
	for i := range msgs {
		msgs[i] = queue.Message{
			JobID:            job.ID,
			TargetID:         job.TargetID,
			BatchIndex:       i,
			KeyRotationIndex: i % poolSize,
		}
	}
	return msgs
}

// Dispatch publishes the analysis messages for job.
func (d *Dispatcher) Dispatch(ctx context.Context, job *store.Job) error {
	return d.publish(ctx, d.analysis, job)
}

// DispatchTranslation publishes the translation messages for job, one per
// chapter.
func (d *Dispatcher) DispatchTranslation(ctx context.Context, job *store.Job) error {
	if d.translation == nil {
		return errors.New("translation queue is not configured")
	}
	return d.publish(ctx, d.translation, job)
}

func (d *Dispatcher) poolSize() int {
	if d.pool == nil {
		return 1
	}
	return d.pool.PoolSize()
}

func (d *Dispatcher) publish(ctx context.Context, p Publisher, job *store.Job) error {
	msgs := Messages(job, d.poolSize())
	logger := d.logger.With("job_id", job.ID, "queue", p.Name())

	var (
		failed    []int
		lastErr   error
		published int
	)
	for start := 0; start < len(msgs); start += d.groupSize {
		group := msgs[start:min(start+d.groupSize, len(msgs))]
		rejected, err := d.publishGroup(ctx, p, group)
		published += len(group) - len(rejected)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("dispatch job %s: %w", job.ID, ctx.Err())
			}
			lastErr = err
			for _, m := range rejected {
				failed = append(failed, m.BatchIndex)
			}
			logger.Warn("publish group rejected entries", "first_batch", group[0].BatchIndex, "rejected", len(rejected), "error", err)
		}
	}

	if len(failed) > 0 {
		sort.Ints(failed)
		return &PartialPublishError{Queue: p.Name(), JobID: job.ID, Failed: failed, Published: published, Err: lastErr}
	}
	logger.Info("job dispatched", "messages", published)
	return nil
}

// publishGroup publishes one group, retrying only the rejected entries.
// It returns whatever is still rejected once attempts run out.
func (d *Dispatcher) publishGroup(ctx context.Context, p Publisher, group []queue.Message) ([]queue.Message, error) {
	pending := group
	err := retry.Do(
		func() error {
			errs := p.PublishBatch(ctx, pending)
			var (
				next  []queue.Message
				first error
			)
			for i, err := range errs {
				if err != nil {
					next = append(next, pending[i])
					if first == nil {
						first = err
					}
				}
			}
			pending = next
			return first
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return pending, err
	}
	return nil, nil
}
