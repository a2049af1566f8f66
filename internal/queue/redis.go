package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Config configures one named queue.
type Config struct {
	Name string
	// MaxReceiveCount is how many deliveries a message gets before it is
	// dead-lettered (default 5).
	MaxReceiveCount int
	// VisibilityTimeout is how long a received message may stay unacked
	// before RequeueExpired hands it out again (default 25m).
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
	// Now overrides the clock used for claim timestamps.
	Now func() time.Time
}

// Delivery is a received message. Raw is kept verbatim so it can be
// acknowledged even when it does not decode.
type Delivery struct {
	Raw      string
	Receives int
}

// Stats reports list lengths.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Queue is a reliable queue over Redis lists.
type Queue struct {
	rdb        redis.UniversalClient
	name       string
	maxReceive int
	visibility time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a queue handle. Handles are cheap; several processes may
// share the same named queue.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = 5
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 25 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		rdb:        rdb,
		name:       cfg.Name,
		maxReceive: cfg.MaxReceiveCount,
		visibility: cfg.VisibilityTimeout,
		logger:     cfg.Logger.With("queue", cfg.Name),
		now:        cfg.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string    { return q.name }
func (q *Queue) processingKey() string { return q.name + ":processing" }
func (q *Queue) receivesKey() string   { return q.name + ":receives" }
func (q *Queue) claimedKey() string    { return q.name + ":claimed" }

// DeadKey is the dead-letter list.
func (q *Queue) DeadKey() string { return q.name + ":dead" }

// PublishBatch appends msgs in one pipeline. The returned slice has one
// entry per message, nil where Redis accepted it.
func (q *Queue) PublishBatch(ctx context.Context, msgs []Message) []error {
	errs := make([]error, len(msgs))
	cmds := make([]*redis.IntCmd, len(msgs))

	// Pipelined reports only the first failure; every command carries its own.
	q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range msgs {
			raw, err := m.Encode()
			if err != nil {
				errs[i] = err
				continue
			}
			cmds[i] = pipe.RPush(ctx, q.pendingKey(), raw)
		}
		return nil
	})
	for i, cmd := range cmds {
		if cmd != nil {
			errs[i] = cmd.Err()
		}
	}
	return errs
}

// Publish appends a single message.
func (q *Queue) Publish(ctx context.Context, m Message) error {
	return q.PublishBatch(ctx, []Message{m})[0]
}

// Receive waits up to wait for the first message, then takes up to limit-1
// more without blocking. It returns an empty slice on timeout.
func (q *Queue) Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	first, err := q.rdb.BLMove(ctx, q.pendingKey(), q.processingKey(), "LEFT", "RIGHT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	raws := []string{first}
	for len(raws) < limit {
		raw, err := q.rdb.LMove(ctx, q.pendingKey(), q.processingKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			q.logger.Warn("failed to receive follow-up message", "error", err)
			break
		}
		raws = append(raws, raw)
	}

	claimedAt := float64(q.now().UnixMilli())
	deliveries := make([]Delivery, len(raws))
	cmds := make([]*redis.IntCmd, len(raws))
	if _, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, raw := range raws {
			cmds[i] = pipe.HIncrBy(ctx, q.receivesKey(), raw, 1)
			pipe.ZAdd(ctx, q.claimedKey(), redis.Z{Score: claimedAt, Member: raw})
		}
		return nil
	}); err != nil {
		// The messages sit in the processing list; RequeueExpired recovers them.
		return nil, fmt.Errorf("record receipt on %s: %w", q.name, err)
	}
	for i, raw := range raws {
		deliveries[i] = Delivery{Raw: raw, Receives: int(cmds[i].Val())}
	}
	return deliveries, nil
}

// Ack removes a processed delivery.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.Raw)
		pipe.HDel(ctx, q.receivesKey(), d.Raw)
		pipe.ZRem(ctx, q.claimedKey(), d.Raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack on %s: %w", q.name, err)
	}
	return nil
}

// Nack returns a delivery for another attempt, or dead-letters it once it
// has been received MaxReceiveCount times. It reports whether the message
// was dead-lettered.
func (q *Queue) Nack(ctx context.Context, d Delivery) (bool, error) {
	dead := d.Receives >= q.maxReceive
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.Raw)
		pipe.ZRem(ctx, q.claimedKey(), d.Raw)
		if dead {
			pipe.HDel(ctx, q.receivesKey(), d.Raw)
			pipe.RPush(ctx, q.DeadKey(), d.Raw)
		} else {
			pipe.RPush(ctx, q.pendingKey(), d.Raw)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nack on %s: %w", q.name, err)
	}
	if dead {
		q.logger.Warn("message dead-lettered", "receives", d.Receives, "payload", d.Raw)
	}
	return dead, nil
}

// RequeueExpired moves deliveries that have been unacked for longer than
// the visibility timeout back to the pending list. Receive counts are kept,
// so a message that keeps crashing its worker still ends up dead-lettered.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.visibility).UnixMilli()
	raws, err := q.rdb.ZRangeByScore(ctx, q.claimedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired on %s: %w", q.name, err)
	}

	moved := 0
	for _, raw := range raws {
		removed, err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Result()
		if err != nil {
			return moved, fmt.Errorf("requeue on %s: %w", q.name, err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.claimedKey(), raw)
		if removed > 0 {
			pipe.RPush(ctx, q.pendingKey(), raw)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("requeue on %s: %w", q.name, err)
		}
		if removed > 0 {
			moved++
		}
	}
	if moved > 0 {
		q.logger.Info("requeued expired deliveries", "count", moved)
	}
	return moved, nil
}

// DeadLetter is a message read from the dead-letter list. Raw identifies
// the entry for AckDead.
type DeadLetter struct {
	Message
	Raw string
}

// PeekDead reads up to limit messages from the head of the dead-letter list
// without removing them. Each must be removed with AckDead once handled, so
// a caller that fails halfway leaves the rest for the next run. Payloads
// that do not decode are logged and removed.
func (q *Queue) PeekDead(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := q.rdb.LRange(ctx, q.DeadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters on %s: %w", q.name, err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		m, err := Decode(raw)
		if err != nil {
			q.logger.Warn("discarding undecodable dead letter", "payload", raw, "error", err)
			if err := q.rdb.LRem(ctx, q.DeadKey(), 1, raw).Err(); err != nil {
				return out, fmt.Errorf("discard dead letter on %s: %w", q.name, err)
			}
			continue
		}
		out = append(out, DeadLetter{Message: m, Raw: raw})
	}
	return out, nil
}

// AckDead removes one handled entry from the dead-letter list.
func (q *Queue) AckDead(ctx context.Context, d DeadLetter) error {
	if err := q.rdb.LRem(ctx, q.DeadKey(), 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("ack dead letter on %s: %w", q.name, err)
	}
	return nil
}

// Stats returns the current list lengths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.LLen(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.DeadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", q.name, err)
	}
	return Stats{Pending: pending.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// Reject dead-letters a delivery immediately. It is used for failures a
// redelivery cannot fix.
func (q *Queue) Reject(ctx context.Context, d Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.Raw)
		pipe.ZRem(ctx, q.claimedKey(), d.Raw)
		pipe.HDel(ctx, q.receivesKey(), d.Raw)
		pipe.RPush(ctx, q.DeadKey(), d.Raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reject on %s: %w", q.name, err)
	}
	q.logger.Warn("message rejected to dead letter", "payload", d.Raw)
	return nil
}
