package llmcall

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer persists a batch of calls.
type Writer interface {
	InsertCalls(ctx context.Context, calls []Call) error
}

// RecorderConfig configures the recorder.
type RecorderConfig struct {
	Writer        Writer
	BatchSize     int           // flush after N calls (default: 50)
	FlushInterval time.Duration // or after duration (default: 2s)
	QueueSize     int           // buffer size (default: 1000)
	Logger        *slog.Logger
}

// Recorder handles fire-and-forget call recording. Calls are queued and
// written in batches; a full queue drops calls rather than slowing workers.
type Recorder struct {
	writer        Writer
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	queue    chan Call
	flushCh  chan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

// NewRecorder creates a new recorder. Start must be called before Record.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		writer:        cfg.Writer,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan Call, cfg.QueueSize),
		flushCh:       make(chan chan struct{}),
	}
}

// Start begins the background batcher.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(context.WithoutCancel(ctx))
}

// Stop flushes queued calls and stops the batcher.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}

// Record queues a call without blocking.
func (r *Recorder) Record(call Call) {
	if r == nil || r.writer == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- call:
	default:
		r.logger.Warn("llm call queue full, dropping record", "job_id", call.JobID)
	}
}

// Flush writes everything queued so far and waits for it.
func (r *Recorder) Flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case r.flushCh <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Call, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.writer.InsertCalls(wctx, batch); err != nil {
			r.logger.Error("failed to write llm calls", "count", len(batch), "error", err)
		}
		cancel()
		batch = make([]Call, 0, r.batchSize)
	}

	for {
		select {
		case call, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, call)
			if len(batch) >= r.batchSize {
				flush()
			}
		case done := <-r.flushCh:
			for drained := false; !drained; {
				select {
				case call, ok := <-r.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, call)
				default:
					drained = true
				}
			}
			flush()
			close(done)
		case <-ticker.C:
			flush()
		}
	}
}
