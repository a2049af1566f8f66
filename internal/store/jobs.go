package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind distinguishes the pipelines sharing the job table.
type Kind string

const (
	KindAnalysis    Kind = "analysis"
	KindTranslation Kind = "translation"
)

const jobsTable = "batch_jobs"

var jobColumns = []string{
	"id", "target_id", "kind", "status", "batch_plan", "total_batches",
	"current_batch_index", "analyzed_progress_marker", "failed_batches",
	"current_chapter", "sub_progress", "retry_count", "max_retries",
	"error_message", "created_at", "started_at", "updated_at", "completed_at",
}

// Job is one row of batch_jobs.
type Job struct {
	ID       string `json:"id"`
	TargetID string `json:"targetId"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`

	BatchPlan              [][]int `json:"batchPlan"`
	TotalBatches           int     `json:"totalBatches"`
	CurrentBatchIndex      int     `json:"currentBatchIndex"`
	AnalyzedProgressMarker int     `json:"analyzedProgressMarker"`
	FailedBatches          int     `json:"failedBatches"`

	// In-flight activity written by workers.
	CurrentChapter int    `json:"currentChapter,omitempty"`
	SubProgress    string `json:"subProgress,omitempty"`

	RetryCount   int    `json:"retryCount"`
	MaxRetries   int    `json:"maxRetries"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Progress is the fraction of batches acknowledged complete.
func (j *Job) Progress() float64 {
	if j.TotalBatches == 0 {
		return 0
	}
	return float64(j.CurrentBatchIndex) / float64(j.TotalBatches)
}

// Batch returns the chapter numbers of batch i, or false when i is out of range.
func (j *Job) Batch(i int) ([]int, bool) {
	if i < 0 || i >= len(j.BatchPlan) {
		return nil, false
	}
	return j.BatchPlan[i], true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                                         Job
		kind, status, plan                        string
		createdAt, startedAt, updatedAt, complete int64
	)
	if err := row.Scan(
		&j.ID, &j.TargetID, &kind, &status, &plan, &j.TotalBatches,
		&j.CurrentBatchIndex, &j.AnalyzedProgressMarker, &j.FailedBatches,
		&j.CurrentChapter, &j.SubProgress, &j.RetryCount, &j.MaxRetries,
		&j.ErrorMessage, &createdAt, &startedAt, &updatedAt, &complete,
	); err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	if err := json.Unmarshal([]byte(plan), &j.BatchPlan); err != nil {
		return nil, fmt.Errorf("job %s has a corrupt batch plan: %w", j.ID, err)
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	if startedAt != 0 {
		t := fromMillis(startedAt)
		j.StartedAt = &t
	}
	if complete != 0 {
		t := fromMillis(complete)
		j.CompletedAt = &t
	}
	return &j, nil
}

// NewJob describes a job to create.
type NewJob struct {
	TargetID   string
	Kind       Kind
	Plan       [][]int
	MaxRetries int
}

// CreateJob inserts a PENDING job. It returns ErrActiveJob when the target
// already has a non-terminal job of the same kind.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.Kind == "" {
		nj.Kind = KindAnalysis
	}
	if nj.MaxRetries <= 0 {
		nj.MaxRetries = 3
	}
	if nj.Plan == nil {
		nj.Plan = [][]int{}
	}
	plan, err := json.Marshal(nj.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch plan: %w", err)
	}

	now := s.millis()
	id := uuid.NewString()
	_, err = exec(ctx, s.db, s.builder().Insert(jobsTable).
		Columns("id", "target_id", "kind", "status", "batch_plan", "total_batches",
			"max_retries", "created_at", "updated_at").
		Values(id, nj.TargetID, string(nj.Kind), string(StatusPending), string(plan),
			len(nj.Plan), nj.MaxRetries, now, now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveJob
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.logger.Info("job created", "job_id", id, "target_id", nj.TargetID, "kind", nj.Kind, "batches", len(nj.Plan))
	return s.GetJob(ctx, id)
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q querier, id string) (*Job, error) {
	query, args := s.builder().Select(jobColumns...).
		From(entsql.Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	j, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return j, nil
}

// ActiveJob returns the non-terminal job for target and kind, if any.
func (s *Store) ActiveJob(ctx context.Context, targetID string, kind Kind) (*Job, error) {
	jobs, err := s.ListJobs(ctx, JobFilter{
		TargetID: targetID,
		Kind:     kind,
		Statuses: []Status{StatusPending, StatusInProgress},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	TargetID string
	Kind     Kind
	Statuses []Status
	// UpdatedBefore selects rows idle since before this instant.
	UpdatedBefore time.Time
	Limit         int
	Offset        int // applied only with a Limit
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	sel := s.builder().Select(jobColumns...).From(entsql.Table(jobsTable))
	var preds []*entsql.Predicate
	if f.TargetID != "" {
		preds = append(preds, entsql.EQ("target_id", f.TargetID))
	}
	if f.Kind != "" {
		preds = append(preds, entsql.EQ("kind", string(f.Kind)))
	}
	if len(f.Statuses) > 0 {
		preds = append(preds, entsql.In("status", statusArgs(f.Statuses...)...))
	}
	if !f.UpdatedBefore.IsZero() {
		preds = append(preds, entsql.LT("updated_at", f.UpdatedBefore.UTC().UnixMilli()))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc("created_at"), entsql.Asc("id"))
	if f.Limit > 0 {
		sel.Limit(f.Limit)
		if f.Offset > 0 {
			sel.Offset(f.Offset)
		}
	}

	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func statusArgs(statuses ...Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func active() *entsql.Predicate {
	return entsql.In("status", statusArgs(StatusPending, StatusInProgress)...)
}

// ClaimJob flips a PENDING job to IN_PROGRESS. Only one caller wins; the
// others get false with no error.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	now := s.millis()
	n, err := exec(ctx, s.db, s.builder().Update(jobsTable).
		Set("status", string(StatusInProgress)).
		Set("started_at", now).
		Set("updated_at", now).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(StatusPending)),
		)))
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// RecordProgress acknowledges batchIndex as complete. The application marker
// and the counter increment commit together, so a redelivered batch that was
// already applied returns false and leaves the counters alone.
func (s *Store) RecordProgress(ctx context.Context, id string, batchIndex, batchEnd int) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.millis()
		n, err := exec(ctx, tx, s.builder().Insert("batch_applications").
			Columns("job_id", "batch_index", "applied_at").
			Values(id, batchIndex, now).
			OnConflict(entsql.ConflictColumns("job_id", "batch_index"), entsql.DoNothing()))
		if err != nil {
			return fmt.Errorf("failed to mark batch %d applied: %w", batchIndex, err)
		}
		if n == 0 {
			return nil
		}

		n, err = exec(ctx, tx, s.builder().Update(jobsTable).
			Add("current_batch_index", 1).
			Set("analyzed_progress_marker", s.greatest("analyzed_progress_marker", batchEnd)).
			Set("updated_at", now).
			Where(entsql.And(
				entsql.EQ("id", id),
				entsql.ColumnsLT("current_batch_index", "total_batches"),
			)))
		if err != nil {
			return fmt.Errorf("failed to increment progress: %w", err)
		}
		if n == 0 {
			// Unknown job or counter already at total. Keep the marker so the
			// batch is not counted later either.
			s.logger.Warn("progress increment matched no row", "job_id", id, "batch_index", batchIndex)
			return nil
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record progress for job %s: %w", id, err)
	}
	return applied, nil
}

// BatchApplied reports whether RecordProgress has already marked batchIndex
// of job id.
func (s *Store) BatchApplied(ctx context.Context, id string, batchIndex int) (bool, error) {
	query, args := s.builder().Select("batch_index").
		From(entsql.Table("batch_applications")).
		Where(entsql.And(
			entsql.EQ("job_id", id),
			entsql.EQ("batch_index", batchIndex),
		)).
		Query()
	var idx int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up batch %d of job %s: %w", batchIndex, id, err)
	}
	return true, nil
}

// Finalize transitions the job to COMPLETED when every batch has been
// acknowledged. It returns true for exactly one caller per job.
func (s *Store) Finalize(ctx context.Context, id string) (bool, error) {
	now := s.millis()
	n, err := exec(ctx, s.db, s.builder().Update(jobsTable).
		Set("status", string(StatusCompleted)).
		Set("completed_at", now).
		Set("updated_at", now).
		Set("current_chapter", 0).
		Set("sub_progress", "").
		Where(entsql.And(
			entsql.EQ("id", id),
			active(),
			entsql.ColumnsGTE("current_batch_index", "total_batches"),
		)))
	if err != nil {
		return false, fmt.Errorf("failed to finalize job %s: %w", id, err)
	}
	if n == 1 {
		s.logger.Info("job completed", "job_id", id)
	}
	return n == 1, nil
}

// transition moves a non-terminal job to a terminal status.
func (s *Store) transition(ctx context.Context, id string, to Status, msg string) (bool, error) {
	now := s.millis()
	n, err := exec(ctx, s.db, s.builder().Update(jobsTable).
		Set("status", string(to)).
		Set("error_message", msg).
		Set("completed_at", now).
		Set("updated_at", now).
		Set("current_chapter", 0).
		Set("sub_progress", "").
		Where(entsql.And(entsql.EQ("id", id), active())))
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s %s: %w", id, to, err)
	}
	return n == 1, nil
}

// FailJob marks a non-terminal job FAILED.
func (s *Store) FailJob(ctx context.Context, id, msg string) (bool, error) {
	return s.transition(ctx, id, StatusFailed, msg)
}

// CompleteJob marks a non-terminal job COMPLETED regardless of its counter.
// The sweeper uses it for nearly finished jobs that lost their last worker.
func (s *Store) CompleteJob(ctx context.Context, id, msg string) (bool, error) {
	return s.transition(ctx, id, StatusCompleted, msg)
}

// CancelJob marks a non-terminal job CANCELLED. Workers notice cooperatively.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusCancelled, "cancelled by request")
}

// RecordDeadLetter counts one dead-lettered batch against the job and
// returns the updated row.
func (s *Store) RecordDeadLetter(ctx context.Context, id, reason string) (*Job, error) {
	var job *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := exec(ctx, tx, s.builder().Update(jobsTable).
			Add("retry_count", 1).
			Add("failed_batches", 1).
			Set("error_message", reason).
			Set("updated_at", s.millis()).
			Where(entsql.EQ("id", id)))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record dead letter for job %s: %w", id, err)
	}
	return job, nil
}

// SetActivity records which chapter a worker is on. Writing it also bumps
// updated_at, which keeps long analyses from looking stale.
func (s *Store) SetActivity(ctx context.Context, id string, chapter int, sub string) error {
	_, err := exec(ctx, s.db, s.builder().Update(jobsTable).
		Set("current_chapter", chapter).
		Set("sub_progress", sub).
		Set("updated_at", s.millis()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(StatusInProgress)),
		)))
	if err != nil {
		return fmt.Errorf("failed to set activity for job %s: %w", id, err)
	}
	return nil
}

// ListStale returns non-terminal jobs not updated since before.
func (s *Store) ListStale(ctx context.Context, before time.Time) ([]Job, error) {
	return s.ListJobs(ctx, JobFilter{
		Statuses:      []Status{StatusPending, StatusInProgress},
		UpdatedBefore: before,
	})
}

// DeleteTerminalBefore removes terminal jobs finished before cutoff together
// with their application markers and call log. It returns the job count.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	expired := func() *entsql.Selector {
		return s.builder().Select("id").From(entsql.Table(jobsTable)).Where(entsql.And(
			entsql.In("status", statusArgs(StatusCompleted, StatusFailed, StatusCancelled)...),
			entsql.LT("updated_at", cutoff.UTC().UnixMilli()),
		))
	}

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.builder().Delete("batch_applications").
			Where(entsql.In("job_id", expired()))); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, s.builder().Delete(callsTable).
			Where(entsql.In("job_id", expired()))); err != nil {
			return err
		}
		n, err := exec(ctx, tx, s.builder().Delete(jobsTable).
			Where(entsql.And(
				entsql.In("status", statusArgs(StatusCompleted, StatusFailed, StatusCancelled)...),
				entsql.LT("updated_at", cutoff.UTC().UnixMilli()),
			)))
		deleted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}
	return deleted, nil
}
