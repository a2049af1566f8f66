// Package jobs owns the job lifecycle as seen by clients: planning a target
// into batches, creating the job record, fanning it out, cancelling it.
// Execution happens in the workers; they talk to the store directly.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/codex/internal/planner"
	"github.com/jackzampolin/codex/internal/store"
)

var (
	// ErrNothingToDo is returned when a target has no chapters to process.
	ErrNothingToDo = errors.New("target has no chapters")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = errors.New("job already finished")
)

// Dispatcher fans a job out to the queues.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *store.Job) error
	DispatchTranslation(ctx context.Context, job *store.Job) error
}

// Config configures a Manager.
type Config struct {
	Budget     planner.Budget
	MaxRetries int // dead-letter budget per job (default 3)
	Logger     *slog.Logger
}

// Manager handles job creation, lookup and cancellation.
type Manager struct {
	store      *store.Store
	dispatcher Dispatcher
	budget     planner.Budget
	maxRetries int
	logger     *slog.Logger
}

// NewManager creates a new job manager.
func NewManager(s *store.Store, d Dispatcher, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Budget.ServiceInputLimit == 0 {
		cfg.Budget = planner.DefaultBudget()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Manager{
		store:      s,
		dispatcher: d,
		budget:     cfg.Budget,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
}

// Preview returns the plan a new analysis job would get, with the estimated
// token cost of each batch.
func (m *Manager) Preview(ctx context.Context, targetID string) ([][]int, []int, error) {
	chapters, err := m.store.ChapterSizes(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	plan := planner.Plan(chapters, m.budget)
	return plan, planner.Costs(chapters, plan, m.budget), nil
}

// StartAnalysis plans the target's chapters, creates a PENDING job and
// publishes one message per batch. It returns store.ErrActiveJob when an
// analysis is already running for the target.
func (m *Manager) StartAnalysis(ctx context.Context, targetID string) (*store.Job, error) {
	chapters, err := m.store.ChapterSizes(ctx, targetID)
	if err != nil {
		return nil, err
	}
	plan := planner.Plan(chapters, m.budget)
	if len(plan) == 0 {
		return nil, ErrNothingToDo
	}
	return m.start(ctx, targetID, store.KindAnalysis, plan, m.dispatcher.Dispatch)
}

// StartTranslation creates a translation job with one batch per chapter.
func (m *Manager) StartTranslation(ctx context.Context, targetID string) (*store.Job, error) {
	chapters, err := m.store.ChapterSizes(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, ErrNothingToDo
	}
	plan := make([][]int, len(chapters))
	for i, c := range chapters {
		plan[i] = []int{c.Number}
	}
	return m.start(ctx, targetID, store.KindTranslation, plan, m.dispatcher.DispatchTranslation)
}

func (m *Manager) start(ctx context.Context, targetID string, kind store.Kind, plan [][]int, dispatch func(context.Context, *store.Job) error) (*store.Job, error) {
	job, err := m.store.CreateJob(ctx, store.NewJob{
		TargetID:   targetID,
		Kind:       kind,
		Plan:       plan,
		MaxRetries: m.maxRetries,
	})
	if err != nil {
		return nil, err
	}

	if err := dispatch(ctx, job); err != nil {
		// Messages that did go out will find a terminal job and drop.
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if _, ferr := m.store.FailJob(context.WithoutCancel(ctx), job.ID, msg); ferr != nil {
			m.logger.Error("failed to mark undispatched job failed", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	m.logger.Info("job started", "job_id", job.ID, "target_id", targetID, "kind", kind, "batches", len(plan))
	return job, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return m.store.ListJobs(ctx, f)
}

// Cancel requests cancellation. Workers stop at their next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) (*store.Job, error) {
	ok, err := m.store.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return job, ErrTerminal
	}
	m.logger.Info("job cancelled", "job_id", id)
	return job, nil
}
