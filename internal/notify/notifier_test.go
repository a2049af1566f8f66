package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/testutil"
)

// funcSource answers GetJob from a function of the call number.
type funcSource struct {
	mu     sync.Mutex
	calls  int
	get    func(call int) (*store.Job, error)
	failed []string
}

func (f *funcSource) GetJob(ctx context.Context, id string) (*store.Job, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()
	return f.get(n)
}

func (f *funcSource) FailJob(ctx context.Context, id, msg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, msg)
	return true, nil
}

type recordingSink struct {
	mu         sync.Mutex
	events     []Event
	heartbeats int
	beat       chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	s.heartbeats++
	s.mu.Unlock()
	if s.beat != nil {
		select {
		case s.beat <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func job(status store.Status, done, failed, chapter int, sub string) *store.Job {
	return &store.Job{
		ID:                "job-1",
		Status:            status,
		TotalBatches:      4,
		CurrentBatchIndex: done,
		FailedBatches:     failed,
		CurrentChapter:    chapter,
		SubProgress:       sub,
		UpdatedAt:         time.Now(),
	}
}

func fastConfig(t *testing.T) Config {
	return Config{
		Interval:          time.Millisecond,
		HeartbeatInterval: time.Hour,
		PollDelay:         time.Millisecond,
		Logger:            testutil.Logger(t),
	}
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name       string
		prev, next *store.Job
		want       []EventType
	}{
		{
			name: "no change",
			prev: job(store.StatusInProgress, 1, 0, 3, "x"),
			next: job(store.StatusInProgress, 1, 0, 3, "x"),
		},
		{
			name: "started with activity",
			prev: job(store.StatusPending, 0, 0, 0, ""),
			next: job(store.StatusInProgress, 0, 0, 1, "analyzing chapters 1-3"),
			want: []EventType{JobStarted, ChapterStarted, ChunkProgress},
		},
		{
			name: "counters before activity",
			prev: job(store.StatusInProgress, 1, 0, 3, "a"),
			next: job(store.StatusInProgress, 2, 1, 5, "b"),
			want: []EventType{ChapterCompleted, ChapterFailed, ChapterStarted, ChunkProgress},
		},
		{
			name: "terminal status comes last",
			prev: job(store.StatusInProgress, 3, 0, 7, "a"),
			next: job(store.StatusCompleted, 4, 0, 0, ""),
			want: []EventType{ChapterCompleted, JobCompleted},
		},
		{
			name: "terminal failure drops activity and follows counters",
			prev: job(store.StatusInProgress, 2, 0, 3, "a"),
			next: job(store.StatusFailed, 3, 2, 5, "b"),
			want: []EventType{ChapterCompleted, ChapterFailed, JobFailed},
		},
		{
			name: "cancel maps to paused",
			prev: job(store.StatusInProgress, 1, 0, 3, "a"),
			next: job(store.StatusCancelled, 1, 0, 0, ""),
			want: []EventType{JobPaused},
		},
		{
			name: "cleared activity is silent",
			prev: job(store.StatusInProgress, 1, 0, 3, "a"),
			next: job(store.StatusInProgress, 1, 0, 0, ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := Diff("job-1", snapshotOf(tt.prev), snapshotOf(tt.next))
			got := make([]EventType, len(events))
			for i, e := range events {
				got[i] = e.Type
				if e.JobID != "job-1" {
					t.Errorf("event %d has job id %q", i, e.JobID)
				}
			}
			if !equalTypes(got, tt.want) {
				t.Errorf("Diff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStream_TerminalAtInit(t *testing.T) {
	src := &funcSource{get: func(int) (*store.Job, error) {
		return job(store.StatusCompleted, 4, 0, 0, ""), nil
	}}
	sink := &recordingSink{}
	if err := New(src, fastConfig(t)).Stream(context.Background(), "job-1", sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got := sink.types(); !equalTypes(got, []EventType{JobCompleted}) {
		t.Errorf("events = %v", got)
	}
	if src.calls != 1 {
		t.Errorf("polled %d times after a terminal snapshot", src.calls)
	}
}

func TestStream_Progression(t *testing.T) {
	script := []*store.Job{
		job(store.StatusPending, 0, 0, 0, ""),
		job(store.StatusPending, 0, 0, 0, ""),
		job(store.StatusInProgress, 0, 0, 1, ""),
		job(store.StatusInProgress, 1, 0, 1, ""),
		job(store.StatusInProgress, 2, 1, 1, ""),
		job(store.StatusFailed, 2, 1, 0, ""),
	}
	src := &funcSource{get: func(n int) (*store.Job, error) {
		if n >= len(script) {
			n = len(script) - 1
		}
		return script[n], nil
	}}
	sink := &recordingSink{}
	if err := New(src, fastConfig(t)).Stream(context.Background(), "job-1", sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	want := []EventType{JobStarted, ChapterStarted, ChapterCompleted, ChapterCompleted, ChapterFailed, JobFailed}
	if got := sink.types(); !equalTypes(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestStream_PollRetryAbsorbsTransientErrors(t *testing.T) {
	src := &funcSource{get: func(n int) (*store.Job, error) {
		switch {
		case n == 0:
			return job(store.StatusInProgress, 0, 0, 0, ""), nil
		case n < 3:
			return nil, errors.New("connection reset")
		default:
			return job(store.StatusCompleted, 4, 0, 0, ""), nil
		}
	}}
	cfg := fastConfig(t)
	cfg.MaxConsecutiveFailures = 1
	sink := &recordingSink{}
	if err := New(src, cfg).Stream(context.Background(), "job-1", sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got := sink.types(); got[len(got)-1] != JobCompleted {
		t.Errorf("events = %v, want to end with job_completed", got)
	}
}

func TestStream_FailureLimit(t *testing.T) {
	src := &funcSource{get: func(n int) (*store.Job, error) {
		if n == 0 {
			return job(store.StatusInProgress, 0, 0, 0, ""), nil
		}
		return nil, errors.New("database unreachable")
	}}
	cfg := fastConfig(t)
	cfg.PollAttempts = 1
	cfg.MaxConsecutiveFailures = 3
	sink := &recordingSink{}

	err := New(src, cfg).Stream(context.Background(), "job-1", sink)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Stream() error = %v, want ErrUnavailable", err)
	}
	if got := sink.types(); !equalTypes(got, []EventType{JobStarted, JobFailed}) {
		t.Errorf("events = %v", got)
	}
	if src.calls != 4 {
		t.Errorf("polled %d times, want 1 + 3 failures", src.calls)
	}
}

func TestStream_StallWatchdog(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stalled := job(store.StatusInProgress, 2, 0, 5, "")
	stalled.UpdatedAt = now.Add(-31 * time.Minute)

	src := &funcSource{}
	src.get = func(int) (*store.Job, error) {
		src.mu.Lock()
		defer src.mu.Unlock()
		if len(src.failed) > 0 {
			j := *stalled
			j.Status = store.StatusFailed
			j.ErrorMessage = src.failed[0]
			return &j, nil
		}
		return stalled, nil
	}
	cfg := fastConfig(t)
	cfg.Now = func() time.Time { return now }
	sink := &recordingSink{}

	if err := New(src, cfg).Stream(context.Background(), "job-1", sink); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(src.failed) != 1 {
		t.Fatalf("FailJob called %d times, want 1", len(src.failed))
	}
	got := sink.types()
	if !equalTypes(got, []EventType{JobStarted, JobFailed}) {
		t.Fatalf("events = %v", got)
	}
	if snap := sink.events[1].Data.(Snapshot); snap.Message == "" {
		t.Error("terminal event carries no explanation")
	}
}

func TestStream_ClientDisconnect(t *testing.T) {
	src := &funcSource{get: func(int) (*store.Job, error) {
		return job(store.StatusInProgress, 1, 0, 2, ""), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() { done <- New(src, fastConfig(t)).Stream(ctx, "job-1", sink) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream() error = %v, want nil on disconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream() did not return after disconnect")
	}
	for _, e := range sink.types() {
		if e.Terminal() {
			t.Errorf("terminal event %s sent on disconnect", e)
		}
	}
}

func TestStream_Heartbeat(t *testing.T) {
	src := &funcSource{get: func(int) (*store.Job, error) {
		return job(store.StatusPending, 0, 0, 0, ""), nil
	}}
	cfg := fastConfig(t)
	cfg.Interval = time.Hour
	cfg.HeartbeatInterval = 5 * time.Millisecond
	sink := &recordingSink{beat: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- New(src, cfg).Stream(ctx, "job-1", sink) }()

	select {
	case <-sink.beat:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	cancel()
	<-done
	if len(sink.types()) != 0 {
		t.Errorf("pending job produced events: %v", sink.types())
	}
}

func TestStream_UnknownJob(t *testing.T) {
	src := &funcSource{get: func(int) (*store.Job, error) { return nil, store.ErrNotFound }}
	err := New(src, fastConfig(t)).Stream(context.Background(), "nope", &recordingSink{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Stream() error = %v, want ErrNotFound", err)
	}
	if src.calls != 1 {
		t.Errorf("not-found was retried %d times", src.calls)
	}
}
