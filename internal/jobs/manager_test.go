package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackzampolin/codex/internal/planner"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/testutil"
)

type fakeDispatcher struct {
	err          error
	dispatched   []string
	translations []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *store.Job) error {
	f.dispatched = append(f.dispatched, job.ID)
	return f.err
}

func (f *fakeDispatcher) DispatchTranslation(ctx context.Context, job *store.Job) error {
	f.translations = append(f.translations, job.ID)
	return f.err
}

func newTestManager(t *testing.T, d Dispatcher) (*Manager, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	m := NewManager(s, d, Config{
		Budget: planner.Budget{ServiceInputLimit: 100, SafetyFactor: 1, CharsPerToken: 1},
		Logger: testutil.Logger(t),
	})
	return m, s
}

func seed(t *testing.T, s *store.Store, target string, sizes ...int) {
	t.Helper()
	chapters := make([]store.Chapter, len(sizes))
	for i, n := range sizes {
		chapters[i] = store.Chapter{Number: i + 1, Content: strings.Repeat("x", n)}
	}
	if _, err := s.PutChapters(context.Background(), target, chapters); err != nil {
		t.Fatal(err)
	}
}

func TestStartAnalysis(t *testing.T) {
	d := &fakeDispatcher{}
	m, s := newTestManager(t, d)
	ctx := context.Background()
	seed(t, s, "book", 40, 40, 40, 90)

	plan, costs, err := m.Preview(ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 || len(plan[0]) != 2 || costs[0] != 80 {
		t.Errorf("Preview() = %v, %v", plan, costs)
	}

	job, err := m.StartAnalysis(ctx, "book")
	if err != nil {
		t.Fatalf("StartAnalysis() error = %v", err)
	}
	if job.TotalBatches != 3 || job.Status != store.StatusPending || job.MaxRetries != 3 {
		t.Errorf("job = %+v", job)
	}
	if len(d.dispatched) != 1 || d.dispatched[0] != job.ID {
		t.Errorf("dispatched = %v", d.dispatched)
	}

	if _, err := m.StartAnalysis(ctx, "book"); !errors.Is(err, store.ErrActiveJob) {
		t.Errorf("second StartAnalysis() error = %v, want ErrActiveJob", err)
	}
	if _, err := m.StartAnalysis(ctx, "empty"); !errors.Is(err, ErrNothingToDo) {
		t.Errorf("StartAnalysis(empty) error = %v, want ErrNothingToDo", err)
	}
}

func TestStartTranslation(t *testing.T) {
	d := &fakeDispatcher{}
	m, s := newTestManager(t, d)
	seed(t, s, "book", 10, 10, 10)

	job, err := m.StartTranslation(context.Background(), "book")
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != store.KindTranslation || job.TotalBatches != 3 || job.BatchPlan[2][0] != 3 {
		t.Errorf("job = %+v", job)
	}
	if len(d.translations) != 1 {
		t.Errorf("translations dispatched = %v", d.translations)
	}
}

func TestStartDispatchFailure(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("redis down")}
	m, s := newTestManager(t, d)
	ctx := context.Background()
	seed(t, s, "book", 10)

	if _, err := m.StartAnalysis(ctx, "book"); err == nil {
		t.Fatal("expected a dispatch error")
	}

	jobs, err := m.List(ctx, store.JobFilter{TargetID: "book"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("List() = %v, %v", jobs, err)
	}
	if jobs[0].Status != store.StatusFailed || !strings.Contains(jobs[0].ErrorMessage, "redis down") {
		t.Errorf("job = %+v, want FAILED with the dispatch error", jobs[0])
	}

	// The failed job does not block a new attempt.
	d.err = nil
	if _, err := m.StartAnalysis(ctx, "book"); err != nil {
		t.Errorf("retry StartAnalysis() error = %v", err)
	}
}

func TestCancel(t *testing.T) {
	m, s := newTestManager(t, &fakeDispatcher{})
	ctx := context.Background()
	seed(t, s, "book", 10)

	job, err := m.StartAnalysis(ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Cancel(ctx, job.ID)
	if err != nil || got.Status != store.StatusCancelled {
		t.Fatalf("Cancel() = %+v, %v", got, err)
	}
	if _, err := m.Cancel(ctx, job.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("second Cancel() error = %v, want ErrTerminal", err)
	}
	if _, err := m.Cancel(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
	}
}
