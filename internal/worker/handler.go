// Package worker consumes batch messages. A handler processes one message
// against the job record; the Runner pulls messages off a queue and settles
// each one according to the handler's verdict.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/codex/internal/analysis"
	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/planner"
	"github.com/jackzampolin/codex/internal/providers"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
)

var (
	// ErrPoison marks a message that can never be processed. The runner
	// acknowledges and drops it.
	ErrPoison = errors.New("poison message")
	// ErrFatal marks a failure a redelivery cannot fix. The runner
	// dead-letters the message at once.
	ErrFatal = errors.New("unrecoverable failure")
)

// Store is the slice of the job store the handlers use.
type Store interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	SetActivity(ctx context.Context, id string, chapter int, sub string) error
	RecordProgress(ctx context.Context, id string, batchIndex, batchEnd int) (bool, error)
	BatchApplied(ctx context.Context, id string, batchIndex int) (bool, error)
	Finalize(ctx context.Context, id string) (bool, error)

	LoadChapters(ctx context.Context, targetID string, numbers []int) ([]store.Chapter, error)
	SetTranslation(ctx context.Context, targetID string, number int, text string) error
	LoadEntities(ctx context.Context, targetID string) (entities.Set, error)
	MergeEntities(ctx context.Context, targetID string, set entities.Set) error
}

// Analyzer runs model calls. *analysis.Client implements it.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
	Translate(ctx context.Context, req analysis.TranslateRequest) (*analysis.TranslateResult, error)
}

// Handler processes one raw message. A nil return acknowledges it.
type Handler interface {
	Handle(ctx context.Context, raw string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw string) error

func (f HandlerFunc) Handle(ctx context.Context, raw string) error { return f(ctx, raw) }

// BatchHandler analyzes one batch of chapters and folds the result into the
// target's entity set.
type BatchHandler struct {
	store    Store
	analyzer Analyzer
	logger   *slog.Logger
}

// NewBatchHandler creates the analysis handler.
func NewBatchHandler(s Store, a Analyzer, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandler{store: s, analyzer: a, logger: logger}
}

// Handle runs one batch: claim, load, analyze, merge, record, finalize.
// Cancellation is honored before the merge and before the counter moves.
func (h *BatchHandler) Handle(ctx context.Context, raw string) error {
	msg, job, batch, err := prepare(ctx, h.store, raw, store.KindAnalysis)
	if err != nil || job == nil {
		return err
	}
	logger := h.logger.With("job_id", job.ID, "batch", msg.BatchIndex)
	if done, err := alreadyApplied(ctx, h.store, logger, job.ID, msg.BatchIndex); err != nil || done {
		return err
	}

	chapters, err := h.store.LoadChapters(ctx, job.TargetID, batch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: batch %d: %w", ErrFatal, msg.BatchIndex, err)
		}
		return err
	}
	if err := h.store.SetActivity(ctx, job.ID, batch[0], fmt.Sprintf("analyzing chapters %d-%d", batch[0], planner.LastChapter(batch))); err != nil {
		logger.Warn("failed to record activity", "error", err)
	}

	known, err := h.store.LoadEntities(ctx, job.TargetID)
	if err != nil {
		return err
	}

	req := analysis.Request{
		JobID:       job.ID,
		TargetID:    job.TargetID,
		BatchIndex:  msg.BatchIndex,
		KeyRotation: msg.KeyRotationIndex,
		Known:       known,
	}
	for _, c := range chapters {
		req.Chapters = append(req.Chapters, analysis.Chapter{Number: c.Number, Title: c.Title, Content: c.Content})
	}
	res, err := h.analyzer.Analyze(ctx, req)
	if err != nil {
		return classify(err)
	}
	logger.Debug("batch analyzed", "tier", res.Tier, "attempts", res.Attempts, "entities", res.Entities.Len())

	if stop, err := cancelled(ctx, h.store, job.ID); err != nil || stop {
		return err
	}
	if err := h.store.MergeEntities(ctx, job.TargetID, res.Entities); err != nil {
		return err
	}
	if stop, err := cancelled(ctx, h.store, job.ID); err != nil || stop {
		return err
	}

	return complete(ctx, h.store, logger, job.ID, msg.BatchIndex, planner.LastChapter(batch))
}

// TranslateHandler translates one chapter per message, pinning known terms
// to their established renderings.
type TranslateHandler struct {
	store    Store
	analyzer Analyzer
	logger   *slog.Logger
}

// NewTranslateHandler creates the translation handler.
func NewTranslateHandler(s Store, a Analyzer, logger *slog.Logger) *TranslateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranslateHandler{store: s, analyzer: a, logger: logger}
}

// Handle translates the chapter(s) of one batch and stores the text.
func (h *TranslateHandler) Handle(ctx context.Context, raw string) error {
	msg, job, batch, err := prepare(ctx, h.store, raw, store.KindTranslation)
	if err != nil || job == nil {
		return err
	}
	logger := h.logger.With("job_id", job.ID, "batch", msg.BatchIndex)
	if done, err := alreadyApplied(ctx, h.store, logger, job.ID, msg.BatchIndex); err != nil || done {
		return err
	}

	chapters, err := h.store.LoadChapters(ctx, job.TargetID, batch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: batch %d: %w", ErrFatal, msg.BatchIndex, err)
		}
		return err
	}
	known, err := h.store.LoadEntities(ctx, job.TargetID)
	if err != nil {
		return err
	}

	for _, c := range chapters {
		if err := h.store.SetActivity(ctx, job.ID, c.Number, "translating"); err != nil {
			logger.Warn("failed to record activity", "error", err)
		}
		res, err := h.analyzer.Translate(ctx, analysis.TranslateRequest{
			JobID:       job.ID,
			TargetID:    job.TargetID,
			KeyRotation: msg.KeyRotationIndex,
			Chapter:     analysis.Chapter{Number: c.Number, Title: c.Title, Content: c.Content},
			Glossary:    known.Terms,
		})
		if err != nil {
			return classify(err)
		}
		if stop, err := cancelled(ctx, h.store, job.ID); err != nil || stop {
			return err
		}
		if err := h.store.SetTranslation(ctx, job.TargetID, c.Number, res.Text); err != nil {
			return err
		}
	}

	if stop, err := cancelled(ctx, h.store, job.ID); err != nil || stop {
		return err
	}
	return complete(ctx, h.store, logger, job.ID, msg.BatchIndex, planner.LastChapter(batch))
}

// prepare decodes and validates a message against its job and claims the
// job if it is still PENDING. A nil job with a nil error means the message
// should be acknowledged without work.
func prepare(ctx context.Context, s Store, raw string, kind store.Kind) (queue.Message, *store.Job, []int, error) {
	msg, err := queue.Decode(raw)
	if err != nil {
		return msg, nil, nil, fmt.Errorf("%w: %w", ErrPoison, err)
	}

	job, err := s.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// Pruned or never committed.
		return msg, nil, nil, nil
	}
	if err != nil {
		return msg, nil, nil, err
	}
	if job.TargetID != msg.TargetID || job.Kind != kind {
		return msg, nil, nil, fmt.Errorf("%w: message for %s/%s does not match job %s", ErrPoison, msg.TargetID, kind, job.ID)
	}
	batch, ok := job.Batch(msg.BatchIndex)
	if !ok || len(batch) == 0 {
		return msg, nil, nil, fmt.Errorf("%w: batch %d out of range for job %s", ErrPoison, msg.BatchIndex, job.ID)
	}
	if job.Status.Terminal() {
		return msg, nil, nil, nil
	}

	if job.Status == store.StatusPending {
		// Losing the claim race is fine; the winner already moved it on.
		if _, err := s.ClaimJob(ctx, job.ID); err != nil {
			return msg, nil, nil, err
		}
	}
	return msg, job, batch, nil
}

// cancelled reports whether the job has been stopped since the handler
// started. Any terminal status counts.
func cancelled(ctx context.Context, s Store, id string) (bool, error) {
	job, err := s.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status.Terminal(), nil
}

// alreadyApplied short-circuits a redelivered batch whose result is already
// recorded, so it does not pay for another model call. Finalize still runs.
func alreadyApplied(ctx context.Context, s Store, logger *slog.Logger, id string, batchIndex int) (bool, error) {
	applied, err := s.BatchApplied(ctx, id, batchIndex)
	if err != nil || !applied {
		return false, err
	}
	logger.Info("batch already applied, skipping analysis")
	if _, err := s.Finalize(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// complete records the batch and finalizes the job if it was the last one.
// Finalize runs even when the batch had already been recorded, which covers
// a crash between the two steps.
func complete(ctx context.Context, s Store, logger *slog.Logger, id string, batchIndex, batchEnd int) error {
	applied, err := s.RecordProgress(ctx, id, batchIndex, batchEnd)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("batch already recorded, skipping increment")
	}
	if _, err := s.Finalize(ctx, id); err != nil {
		return err
	}
	return nil
}

// classify marks model errors that no retry can fix.
func classify(err error) error {
	var ce *providers.CallError
	if errors.As(err, &ce) && ce.Fatal() {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return err
}
