package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entgo.io/ent/dialect"

	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/llmcall"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", sqliteDSN("file:"+filepath.Join(t.TempDir(), "codex.db")))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	s := New(db, dialect.SQLite, opts...)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, target string, plan [][]int) *Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), NewJob{TargetID: target, Plan: plan})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	return job
}

func TestCreateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustCreate(t, s, "book-1", [][]int{{1, 2}, {3}})
	if job.Status != StatusPending || job.TotalBatches != 2 || job.Kind != KindAnalysis {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", job.MaxRetries)
	}

	t.Run("one active job per target and kind", func(t *testing.T) {
		_, err := s.CreateJob(ctx, NewJob{TargetID: "book-1", Plan: [][]int{{1}}})
		if !errors.Is(err, ErrActiveJob) {
			t.Fatalf("expected ErrActiveJob, got %v", err)
		}
		if _, err := s.CreateJob(ctx, NewJob{TargetID: "book-1", Kind: KindTranslation, Plan: [][]int{{1}}}); err != nil {
			t.Errorf("translation job should not conflict with analysis: %v", err)
		}
	})

	t.Run("terminal jobs free the slot", func(t *testing.T) {
		if ok, err := s.CancelJob(ctx, job.ID); err != nil || !ok {
			t.Fatalf("CancelJob() = %v, %v", ok, err)
		}
		if _, err := s.CreateJob(ctx, NewJob{TargetID: "book-1", Plan: [][]int{{1}}}); err != nil {
			t.Errorf("CreateJob after cancel: %v", err)
		}
	})

	t.Run("active job lookup", func(t *testing.T) {
		active, err := s.ActiveJob(ctx, "book-1", KindAnalysis)
		if err != nil {
			t.Fatal(err)
		}
		if active.ID == job.ID {
			t.Error("cancelled job returned as active")
		}
		if _, err := s.ActiveJob(ctx, "nobody", KindAnalysis); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClaimJobSingleWinner(t *testing.T) {
	s := newTestStore(t)
	job := mustCreate(t, s, "book", [][]int{{1}, {2}})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimJob(context.Background(), job.ID)
			if err != nil {
				t.Errorf("ClaimJob() error = %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claim winners = %d, want 1", wins.Load())
	}
	got, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != StatusInProgress || got.StartedAt == nil {
		t.Errorf("job after claim = %s (started %v)", got.Status, got.StartedAt)
	}
}

func TestTwoBatchScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreate(t, s, "book", [][]int{{1, 2, 3}, {4, 5}})
	s.ClaimJob(ctx, job.ID)

	// Worker A: batch 0.
	if applied, err := s.RecordProgress(ctx, job.ID, 0, 3); err != nil || !applied {
		t.Fatalf("RecordProgress(0) = %v, %v", applied, err)
	}
	if done, err := s.Finalize(ctx, job.ID); err != nil || done {
		t.Fatalf("Finalize after one batch = %v, %v; want false", done, err)
	}

	// Worker B: batch 1.
	if applied, err := s.RecordProgress(ctx, job.ID, 1, 5); err != nil || !applied {
		t.Fatalf("RecordProgress(1) = %v, %v", applied, err)
	}
	if done, err := s.Finalize(ctx, job.ID); err != nil || !done {
		t.Fatalf("Finalize after both batches = %v, %v; want true", done, err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.CurrentBatchIndex != 2 || got.AnalyzedProgressMarker != 5 {
		t.Errorf("counter = %d marker = %d, want 2 and 5", got.CurrentBatchIndex, got.AnalyzedProgressMarker)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if done, _ := s.Finalize(ctx, job.ID); done {
		t.Error("second Finalize must not succeed")
	}
}

func TestRecordProgressRedelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreate(t, s, "book", [][]int{{1, 2}, {3, 4}, {5}})
	s.ClaimJob(ctx, job.ID)

	// Batches can finish out of order; the marker keeps the maximum.
	s.RecordProgress(ctx, job.ID, 1, 4)
	if applied, err := s.RecordProgress(ctx, job.ID, 1, 4); err != nil || applied {
		t.Fatalf("redelivered batch = %v, %v; want not applied", applied, err)
	}
	s.RecordProgress(ctx, job.ID, 0, 2)

	got, _ := s.GetJob(ctx, job.ID)
	if got.CurrentBatchIndex != 2 {
		t.Errorf("CurrentBatchIndex = %d, want 2", got.CurrentBatchIndex)
	}
	if got.AnalyzedProgressMarker != 4 {
		t.Errorf("AnalyzedProgressMarker = %d, want 4", got.AnalyzedProgressMarker)
	}
}

func TestBatchApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreate(t, s, "book", [][]int{{1}, {2}})
	s.ClaimJob(ctx, job.ID)

	if applied, err := s.BatchApplied(ctx, job.ID, 1); err != nil || applied {
		t.Fatalf("BatchApplied() before record = %v, %v", applied, err)
	}
	s.RecordProgress(ctx, job.ID, 1, 2)
	if applied, err := s.BatchApplied(ctx, job.ID, 1); err != nil || !applied {
		t.Errorf("BatchApplied(1) = %v, %v; want true", applied, err)
	}
	if applied, err := s.BatchApplied(ctx, job.ID, 0); err != nil || applied {
		t.Errorf("BatchApplied(0) = %v, %v; want false", applied, err)
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 8
	plan := make([][]int, n)
	for i := range plan {
		plan[i] = []int{i + 1}
	}
	job := mustCreate(t, s, "book", plan)
	s.ClaimJob(ctx, job.ID)

	// Every batch delivered twice, in random order.
	var deliveries []int
	for i := 0; i < n; i++ {
		deliveries = append(deliveries, i, i)
	}
	rand.New(rand.NewSource(7)).Shuffle(len(deliveries), func(i, j int) {
		deliveries[i], deliveries[j] = deliveries[j], deliveries[i]
	})

	var finals atomic.Int32
	var wg sync.WaitGroup
	for _, idx := range deliveries {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := s.RecordProgress(ctx, job.ID, idx, idx+1); err != nil {
				t.Errorf("RecordProgress(%d) error = %v", idx, err)
				return
			}
			done, err := s.Finalize(ctx, job.ID)
			if err != nil {
				t.Errorf("Finalize error = %v", err)
			}
			if done {
				finals.Add(1)
			}
		}(idx)
	}
	wg.Wait()

	if finals.Load() != 1 {
		t.Fatalf("finalizations = %d, want exactly 1", finals.Load())
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.CurrentBatchIndex != n || got.AnalyzedProgressMarker != n {
		t.Errorf("counter = %d marker = %d, want %d", got.CurrentBatchIndex, got.AnalyzedProgressMarker, n)
	}
}

func TestTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustCreate(t, s, "book", [][]int{{1}})
	s.ClaimJob(ctx, job.ID)
	if ok, _ := s.CancelJob(ctx, job.ID); !ok {
		t.Fatal("CancelJob should succeed on an in-progress job")
	}
	if ok, _ := s.CancelJob(ctx, job.ID); ok {
		t.Error("cancelling twice should be a no-op")
	}
	if ok, _ := s.FailJob(ctx, job.ID, "boom"); ok {
		t.Error("cancelled job must not become FAILED")
	}
	s.RecordProgress(ctx, job.ID, 0, 1)
	if ok, _ := s.Finalize(ctx, job.ID); ok {
		t.Error("cancelled job must not be finalized")
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", got.Status)
	}

	other := mustCreate(t, s, "book-2", [][]int{{1}, {2}})
	if ok, _ := s.CompleteJob(ctx, other.ID, "reclaimed"); !ok {
		t.Error("CompleteJob should force completion of an active job")
	}
	got, _ = s.GetJob(ctx, other.ID)
	if got.Status != StatusCompleted || got.ErrorMessage != "reclaimed" {
		t.Errorf("forced completion = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestRecordDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreate(t, s, "book", [][]int{{1}, {2}})

	got, err := s.RecordDeadLetter(ctx, job.ID, "batch 1 dead-lettered")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 1 || got.FailedBatches != 1 {
		t.Errorf("retry = %d failed = %d, want 1 and 1", got.RetryCount, got.FailedBatches)
	}
	if _, err := s.RecordDeadLetter(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActivityStaleAndPrune(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	idle := mustCreate(t, s, "idle", [][]int{{1}})
	busy := mustCreate(t, s, "busy", [][]int{{1}})
	done := mustCreate(t, s, "done", [][]int{{1}})
	s.ClaimJob(ctx, idle.ID)
	s.ClaimJob(ctx, busy.ID)
	s.FailJob(ctx, done.ID, "gave up")

	clock.Advance(40 * time.Minute)
	if err := s.SetActivity(ctx, busy.ID, 3, "2/5"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStale(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != idle.ID {
		t.Fatalf("stale = %v, want only the idle job", stale)
	}
	got, _ := s.GetJob(ctx, busy.ID)
	if got.CurrentChapter != 3 || got.SubProgress != "2/5" {
		t.Errorf("activity = %d %q", got.CurrentChapter, got.SubProgress)
	}

	n, err := s.DeleteTerminalBefore(ctx, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d jobs, want 1", n)
	}
	if _, err := s.GetJob(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Error("terminal job should be gone")
	}
	if _, err := s.GetJob(ctx, idle.ID); err != nil {
		t.Error("active job must survive pruning")
	}
}

func TestMergeEntities(t *testing.T) {
	s := newTestStore(t, WithChunkSize(2, 3))
	ctx := context.Background()

	batch := entities.Set{
		Characters: []entities.Character{
			{Name: "Lin Feng", Aliases: []string{"Young Master"}, FirstChapter: 3},
			{Name: "Mei", Gender: "female", FirstChapter: 1},
			{Name: "Old Zhao", FirstChapter: 2},
		},
		Terms:  []entities.Term{{Term: "qi", Translation: "energy", Category: "cultivation"}},
		Events: []entities.Event{{Title: "Duel", StartChapter: 2, Characters: []string{"Lin Feng"}}},
	}
	if err := s.MergeEntities(ctx, "book", batch); err != nil {
		t.Fatalf("MergeEntities() error = %v", err)
	}
	first, err := s.LoadEntities(ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if first.Len() != 5 {
		t.Fatalf("stored %d entities, want 5", first.Len())
	}

	// Merging the same batch again changes nothing.
	if err := s.MergeEntities(ctx, "book", batch); err != nil {
		t.Fatal(err)
	}
	again, _ := s.LoadEntities(ctx, "book")
	if fmt.Sprint(first) != fmt.Sprint(again) {
		t.Errorf("merge is not idempotent:\n%v\n%v", first, again)
	}

	next := entities.Set{
		Characters: []entities.Character{{Name: "Lin Feng", Aliases: []string{"Feng-er"}, FirstChapter: 1, Description: "a disciple"}},
		Terms:      []entities.Term{{Term: "qi", Translation: "breath", Category: "concept"}},
		Events:     []entities.Event{{Title: "Duel", StartChapter: 2, Characters: []string{"Old Zhao"}, EndChapter: 4}},
	}
	if err := s.MergeEntities(ctx, "book", next); err != nil {
		t.Fatal(err)
	}
	merged, _ := s.LoadEntities(ctx, "book")

	var lin entities.Character
	for _, c := range merged.Characters {
		if c.Name == "Lin Feng" {
			lin = c
		}
	}
	if fmt.Sprint(lin.Aliases) != "[Feng-er Young Master]" {
		t.Errorf("aliases = %v, want union", lin.Aliases)
	}
	if lin.FirstChapter != 1 || lin.Description != "a disciple" {
		t.Errorf("character = %+v", lin)
	}
	if qi := merged.Terms[0]; qi.Translation != "energy" || qi.Category != "concept" {
		t.Errorf("term = %+v, want kept translation and superseded category", qi)
	}
	if ev := merged.Events[0]; fmt.Sprint(ev.Characters) != "[Lin Feng Old Zhao]" || ev.EndChapter != 4 {
		t.Errorf("event = %+v", ev)
	}

	other, _ := s.LoadEntities(ctx, "another-book")
	if !other.Empty() {
		t.Error("entities leaked across targets")
	}
}

func TestChapters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.PutChapters(ctx, "book", []Chapter{
		{Number: 2, Title: "Two", Content: "bbbbbb"},
		{Number: 1, Title: "One", Content: "aaaa"},
	})
	if err != nil || n != 2 {
		t.Fatalf("PutChapters() = %d, %v", n, err)
	}

	sizes, err := s.ChapterSizes(ctx, "book")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(sizes) != "[{1 4} {2 6}]" {
		t.Errorf("sizes = %v", sizes)
	}

	if err := s.SetTranslation(ctx, "book", 1, "translated"); err != nil {
		t.Fatal(err)
	}
	// Re-import replaces content but keeps the translation.
	s.PutChapters(ctx, "book", []Chapter{{Number: 1, Title: "One", Content: "aaaaa"}})
	ch, err := s.GetChapter(ctx, "book", 1)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Content != "aaaaa" || ch.TranslatedContent != "translated" {
		t.Errorf("chapter = %+v", ch)
	}

	loaded, err := s.LoadChapters(ctx, "book", []int{2, 1})
	if err != nil || len(loaded) != 2 || loaded[0].Number != 1 {
		t.Fatalf("LoadChapters() = %v, %v", loaded, err)
	}
	if _, err := s.LoadChapters(ctx, "book", []int{1, 9}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing chapter error = %v, want ErrNotFound", err)
	}
	if err := s.SetTranslation(ctx, "book", 9, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetTranslation(missing) = %v", err)
	}
}

func TestCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	calls := []llmcall.Call{
		{ID: "c2", Timestamp: base.Add(time.Second), JobID: "j", Tier: "primary", Attempt: 2, Success: true, InputTokens: 10},
		{ID: "c1", Timestamp: base, JobID: "j", Tier: "primary", Attempt: 1, ErrorKind: "rate_limited", Error: "429"},
		{ID: "c3", Timestamp: base, JobID: "other"},
	}
	if err := s.InsertCalls(ctx, calls); err != nil {
		t.Fatal(err)
	}
	// Replayed flushes are ignored.
	if err := s.InsertCalls(ctx, calls[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListCalls(ctx, "j", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("ListCalls() = %+v", got)
	}
	if !got[1].Success || got[0].Success || got[0].ErrorKind != "rate_limited" {
		t.Errorf("unexpected call fields: %+v", got)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, base)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "open.db")}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Dialect() != dialect.SQLite {
		t.Errorf("Dialect() = %s", s.Dialect())
	}

	if _, err := Open(ctx, Config{Driver: "oracle"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}
