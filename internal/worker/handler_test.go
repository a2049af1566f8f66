package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackzampolin/codex/internal/analysis"
	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/providers"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/testutil"
)

// fakeAnalyzer returns one character per chapter it sees.
type fakeAnalyzer struct {
	mu      sync.Mutex
	err     error
	calls   int
	before  func() // runs inside Analyze, before returning
	glossed []int  // glossary sizes seen by Translate
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	f.mu.Lock()
	f.calls++
	err, before := f.err, f.before
	f.mu.Unlock()
	if before != nil {
		before()
	}
	if err != nil {
		return nil, err
	}
	var set entities.Set
	for _, c := range req.Chapters {
		set.Characters = append(set.Characters, entities.Character{
			Name:         fmt.Sprintf("hero-%d", c.Number),
			FirstChapter: c.Number,
		})
	}
	set.Terms = []entities.Term{{Term: "qi", Translation: "vital energy", FirstChapter: req.Chapters[0].Number}}
	return &analysis.Result{Entities: set, Outcome: analysis.Outcome{Tier: "primary", Attempts: 1}}, nil
}

func (f *fakeAnalyzer) Translate(ctx context.Context, req analysis.TranslateRequest) (*analysis.TranslateResult, error) {
	f.mu.Lock()
	f.calls++
	f.glossed = append(f.glossed, len(req.Glossary))
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &analysis.TranslateResult{Text: "translated " + req.Chapter.Title}, nil
}

func seedChapters(t *testing.T, s *store.Store, target string, n int) {
	t.Helper()
	chapters := make([]store.Chapter, n)
	for i := range chapters {
		chapters[i] = store.Chapter{Number: i + 1, Title: fmt.Sprintf("Chapter %d", i+1), Content: "text"}
	}
	if _, err := s.PutChapters(context.Background(), target, chapters); err != nil {
		t.Fatalf("PutChapters() error = %v", err)
	}
}

func encode(t *testing.T, m queue.Message) string {
	t.Helper()
	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestBatchHandler_TwoBatches(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 5)

	job, err := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1, 2, 3}, {4, 5}}})
	if err != nil {
		t.Fatal(err)
	}
	h := NewBatchHandler(s, &fakeAnalyzer{}, testutil.Logger(t))

	if err := h.Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 1})); err != nil {
		t.Fatalf("Handle(1) error = %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusInProgress || got.CurrentBatchIndex != 1 || got.AnalyzedProgressMarker != 5 {
		t.Fatalf("after batch 1: %+v", got)
	}

	if err := h.Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 0})); err != nil {
		t.Fatalf("Handle(0) error = %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != store.StatusCompleted || got.CurrentBatchIndex != 2 || got.AnalyzedProgressMarker != 5 {
		t.Errorf("after batch 0: %+v", got)
	}

	set, err := s.LoadEntities(ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Characters) != 5 || len(set.Terms) != 1 || set.Terms[0].FirstChapter != 1 {
		t.Errorf("entities = %+v", set)
	}
}

func TestBatchHandler_Redelivery(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 2)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1}, {2}}})
	fa := &fakeAnalyzer{}
	h := NewBatchHandler(s, fa, testutil.Logger(t))

	raw := encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 0})
	for i := 0; i < 3; i++ {
		if err := h.Handle(ctx, raw); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.CurrentBatchIndex != 1 || got.Status != store.StatusInProgress {
		t.Errorf("redelivered batch counted more than once: %+v", got)
	}
	if fa.calls != 1 {
		t.Errorf("analyzer calls = %d, want 1", fa.calls)
	}
}

func TestTranslateHandler_RedeliverySkipsModel(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 1)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Kind: store.KindTranslation, Plan: [][]int{{1}}})
	fa := &fakeAnalyzer{}
	h := NewTranslateHandler(s, fa, testutil.Logger(t))

	raw := encode(t, queue.Message{JobID: job.ID, TargetID: "book"})
	if err := h.Handle(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if err := h.Handle(ctx, raw); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if fa.calls != 1 {
		t.Errorf("analyzer calls = %d, want 1", fa.calls)
	}
}

func TestBatchHandler_AppliedBatchStillFinalizes(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 1)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1}}})
	if _, err := s.ClaimJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	// A worker recorded the batch and crashed before Finalize.
	if _, err := s.RecordProgress(ctx, job.ID, 0, 1); err != nil {
		t.Fatal(err)
	}

	fa := &fakeAnalyzer{}
	if err := NewBatchHandler(s, fa, testutil.Logger(t)).Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book"})); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if fa.calls != 0 {
		t.Errorf("analyzer calls = %d, want 0", fa.calls)
	}
}

func TestBatchHandler_Verdicts(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 2)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1}, {2}}})

	done, _ := s.CreateJob(ctx, store.NewJob{TargetID: "other", Plan: [][]int{{1}}})
	s.FailJob(ctx, done.ID, "gone")

	tests := []struct {
		name    string
		raw     string
		err     error
		wantErr error
		calls   int
	}{
		{name: "malformed", raw: "{", wantErr: ErrPoison},
		{name: "index out of range", raw: encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 7}), wantErr: ErrPoison},
		{name: "target mismatch", raw: encode(t, queue.Message{JobID: job.ID, TargetID: "nope", BatchIndex: 0}), wantErr: ErrPoison},
		{name: "unknown job", raw: encode(t, queue.Message{JobID: "missing", TargetID: "book", BatchIndex: 0})},
		{name: "terminal job", raw: encode(t, queue.Message{JobID: done.ID, TargetID: "other", BatchIndex: 0})},
		{
			name:    "fatal model error",
			raw:     encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 0}),
			err:     &providers.CallError{Kind: providers.KindAuth, Status: 401, Err: errors.New("bad key")},
			wantErr: ErrFatal,
			calls:   1,
		},
		{
			name:  "transient model error",
			raw:   encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: 0}),
			err:   &analysis.AllTiersFailedError{Errors: []analysis.TierError{{Tier: "primary", Err: errors.New("boom")}}},
			calls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAnalyzer{err: tt.err}
			err := NewBatchHandler(s, fa, testutil.Logger(t)).Handle(ctx, tt.raw)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Handle() error = %v, want %v", err, tt.wantErr)
				}
			case tt.err != nil:
				if err == nil || errors.Is(err, ErrPoison) || errors.Is(err, ErrFatal) {
					t.Errorf("Handle() error = %v, want a retryable error", err)
				}
			default:
				if err != nil {
					t.Errorf("Handle() error = %v, want nil", err)
				}
			}
			if fa.calls != tt.calls {
				t.Errorf("analyzer called %d times, want %d", fa.calls, tt.calls)
			}
		})
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.CurrentBatchIndex != 0 {
		t.Errorf("failed deliveries moved the counter: %+v", got)
	}
}

func TestBatchHandler_CancelledMidAnalysis(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 2)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1}, {2}}})

	fa := &fakeAnalyzer{before: func() {
		if _, err := s.CancelJob(ctx, job.ID); err != nil {
			t.Error(err)
		}
	}}
	if err := NewBatchHandler(s, fa, testutil.Logger(t)).Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusCancelled || got.CurrentBatchIndex != 0 {
		t.Errorf("job = %+v, want cancelled with no progress", got)
	}
	set, _ := s.LoadEntities(ctx, "book")
	if !set.Empty() {
		t.Errorf("cancelled batch merged entities: %+v", set)
	}
}

func TestBatchHandler_MissingChapter(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 1)
	job, _ := s.CreateJob(ctx, store.NewJob{TargetID: "book", Plan: [][]int{{1, 2}}})

	err := NewBatchHandler(s, &fakeAnalyzer{}, testutil.Logger(t)).Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book"}))
	if !errors.Is(err, ErrFatal) {
		t.Errorf("Handle() error = %v, want ErrFatal", err)
	}
}

func TestTranslateHandler(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	seedChapters(t, s, "book", 2)
	if err := s.MergeEntities(ctx, "book", entities.Set{Terms: []entities.Term{{Term: "qi", Translation: "vital energy"}}}); err != nil {
		t.Fatal(err)
	}
	job, err := s.CreateJob(ctx, store.NewJob{TargetID: "book", Kind: store.KindTranslation, Plan: [][]int{{1}, {2}}})
	if err != nil {
		t.Fatal(err)
	}

	fa := &fakeAnalyzer{}
	h := NewTranslateHandler(s, fa, testutil.Logger(t))

	// An analysis handler must refuse translation messages.
	if err := NewBatchHandler(s, fa, testutil.Logger(t)).Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book"})); !errors.Is(err, ErrPoison) {
		t.Errorf("analysis handler on translation job: %v, want ErrPoison", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, encode(t, queue.Message{JobID: job.ID, TargetID: "book", BatchIndex: i})); err != nil {
			t.Fatalf("Handle(%d) error = %v", i, err)
		}
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("job = %+v, want completed", got)
	}
	ch, err := s.GetChapter(ctx, "book", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ch.TranslatedContent != "translated Chapter 2" {
		t.Errorf("TranslatedContent = %q", ch.TranslatedContent)
	}
	for _, n := range fa.glossed {
		if n != 1 {
			t.Errorf("glossary size = %d, want 1", n)
		}
	}
}
