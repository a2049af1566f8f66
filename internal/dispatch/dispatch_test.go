package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
)

type fakePublisher struct {
	mu     sync.Mutex
	calls  [][]int
	failN  map[int]int // batch index -> remaining rejections
	always map[int]bool
	got    []queue.Message
}

func (f *fakePublisher) Name() string { return "fake" }

func (f *fakePublisher) PublishBatch(_ context.Context, msgs []queue.Message) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]error, len(msgs))
	var idx []int
	for i, m := range msgs {
		idx = append(idx, m.BatchIndex)
		switch {
		case f.always[m.BatchIndex]:
			errs[i] = errors.New("throttled")
		case f.failN[m.BatchIndex] > 0:
			f.failN[m.BatchIndex]--
			errs[i] = errors.New("throttled")
		default:
			f.got = append(f.got, m)
		}
	}
	f.calls = append(f.calls, idx)
	return errs
}

type fixedPool int

func (p fixedPool) PoolSize() int { return int(p) }

func testJob(batches int) *store.Job {
	return &store.Job{ID: "job-1", TargetID: "book", TotalBatches: batches}
}

func TestMessages(t *testing.T) {
	msgs := Messages(testJob(5), 2)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if m.BatchIndex != i || m.KeyRotationIndex != i%2 || m.JobID != "job-1" || m.TargetID != "book" {
			t.Errorf("message %d = %+v", i, m)
		}
	}
	if Messages(testJob(3), 0)[2].KeyRotationIndex != 0 {
		t.Error("pool size 0 should behave as a single credential")
	}
}

func TestDispatchGroups(t *testing.T) {
	p := &fakePublisher{}
	d := New(p, nil, fixedPool(3), Config{RetryDelay: time.Millisecond})

	if err := d.Dispatch(context.Background(), testJob(23)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(p.calls) != 3 || len(p.calls[0]) != 10 || len(p.calls[2]) != 3 {
		t.Errorf("publish calls = %v, want groups of 10", p.calls)
	}
	if len(p.got) != 23 {
		t.Errorf("published %d, want 23", len(p.got))
	}
}

func TestDispatchRetriesRejectedEntries(t *testing.T) {
	p := &fakePublisher{failN: map[int]int{3: 1, 4: 2}}
	d := New(p, nil, fixedPool(1), Config{RetryDelay: time.Millisecond})

	if err := d.Dispatch(context.Background(), testJob(6)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	// First call carries all six, then only the rejected ones.
	if len(p.calls) != 3 || len(p.calls[1]) != 2 || len(p.calls[2]) != 1 {
		t.Errorf("publish calls = %v", p.calls)
	}
	if len(p.got) != 6 {
		t.Errorf("published %d, want 6", len(p.got))
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	p := &fakePublisher{always: map[int]bool{2: true, 12: true}}
	d := New(p, nil, fixedPool(1), Config{RetryDelay: time.Millisecond, PublishAttempts: 2})

	err := d.Dispatch(context.Background(), testJob(15))
	var ppe *PartialPublishError
	if !errors.As(err, &ppe) {
		t.Fatalf("expected PartialPublishError, got %v", err)
	}
	if len(ppe.Failed) != 2 || ppe.Failed[0] != 2 || ppe.Failed[1] != 12 {
		t.Errorf("Failed = %v, want [2 12]", ppe.Failed)
	}
	if ppe.Published != 13 {
		t.Errorf("Published = %d, want 13", ppe.Published)
	}
}

func TestDispatchTranslationRequiresQueue(t *testing.T) {
	d := New(&fakePublisher{}, nil, nil, Config{})
	if err := d.DispatchTranslation(context.Background(), testJob(1)); err == nil {
		t.Error("expected error without a translation queue")
	}
}

func TestDispatchToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	analysis := queue.New(rdb, queue.Config{Name: "analysis"})
	translation := queue.New(rdb, queue.Config{Name: "translation"})
	d := New(analysis, translation, fixedPool(4), Config{})
	ctx := context.Background()

	if err := d.Dispatch(ctx, testJob(12)); err != nil {
		t.Fatal(err)
	}
	if err := d.DispatchTranslation(ctx, testJob(2)); err != nil {
		t.Fatal(err)
	}

	stats, _ := analysis.Stats(ctx)
	if stats.Pending != 12 {
		t.Errorf("analysis pending = %d, want 12", stats.Pending)
	}
	stats, _ = translation.Stats(ctx)
	if stats.Pending != 2 {
		t.Errorf("translation pending = %d, want 2", stats.Pending)
	}

	got, _ := analysis.Receive(ctx, 10, time.Second)
	last, _ := queue.Decode(got[len(got)-1].Raw)
	if last.BatchIndex != 9 || last.KeyRotationIndex != 1 {
		t.Errorf("10th message = %+v", last)
	}
}
