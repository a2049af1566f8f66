package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMockClient(t *testing.T) {
	t.Run("chat", func(t *testing.T) {
		c := NewMockClient("hello world")

		result, err := c.Chat(context.Background(), &ChatRequest{
			Model:    "test-model",
			Messages: []Message{{Role: "user", Content: "test"}},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Content != "hello world" {
			t.Errorf("Content = %q, want %q", result.Content, "hello world")
		}
		if c.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", c.RequestCount())
		}
	})

	t.Run("scripted steps repeat the last", func(t *testing.T) {
		boom := &CallError{Kind: KindServer}
		c := NewScriptedClient("scripted", MockStep{Err: boom}, MockStep{Content: "ok"})

		if _, err := c.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, boom) {
			t.Fatalf("first call error = %v, want scripted error", err)
		}
		for i := 0; i < 2; i++ {
			result, err := c.Chat(context.Background(), &ChatRequest{})
			if err != nil || result.Content != "ok" {
				t.Fatalf("call %d = (%v, %v), want ok", i+2, result, err)
			}
		}
		if c.Name() != "scripted" {
			t.Errorf("Name() = %s", c.Name())
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		c := NewScriptedClient("slow", MockStep{Content: "late", Delay: time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := c.Chat(ctx, &ChatRequest{})
		if ce := AsCallError(err); ce == nil || ce.Kind != KindTimeout {
			t.Errorf("expected timeout, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		c := NewMockClient("x")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Chat(context.Background(), &ChatRequest{})
			}()
		}
		wg.Wait()
		if c.RequestCount() != 20 {
			t.Errorf("RequestCount = %d, want 20", c.RequestCount())
		}
	})
}

func TestCallError(t *testing.T) {
	tests := []struct {
		err       *CallError
		fatal     bool
		retryable bool
	}{
		{&CallError{Kind: KindAuth}, true, false},
		{&CallError{Kind: KindContentBlocked}, true, false},
		{&CallError{Kind: KindRateLimited}, false, true},
		{&CallError{Kind: KindServer}, false, true},
		{&CallError{Kind: KindServer, Overloaded: true}, false, false},
		{&CallError{Kind: KindTimeout}, false, true},
		{&CallError{Kind: KindEmptyResponse}, false, true},
		{&CallError{Kind: KindParse}, false, false},
		{&CallError{Kind: KindUnknown}, false, false},
	}
	for _, tt := range tests {
		name := string(tt.err.Kind)
		if tt.err.Overloaded {
			name += "_overloaded"
		}
		t.Run(name, func(t *testing.T) {
			if tt.err.Fatal() != tt.fatal {
				t.Errorf("Fatal() = %v, want %v", tt.err.Fatal(), tt.fatal)
			}
			if tt.err.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", tt.err.Retryable(), tt.retryable)
			}
		})
	}
}

func TestAsCallError(t *testing.T) {
	if AsCallError(nil) != nil {
		t.Error("nil error should stay nil")
	}

	wrapped := fmt.Errorf("tier a: %w", &CallError{Kind: KindAuth})
	if ce := AsCallError(wrapped); ce.Kind != KindAuth {
		t.Errorf("Kind = %s, want auth", ce.Kind)
	}
	if ce := AsCallError(context.DeadlineExceeded); ce.Kind != KindTimeout {
		t.Errorf("Kind = %s, want timeout", ce.Kind)
	}
	if ce := AsCallError(errors.New("???")); ce.Kind != KindUnknown {
		t.Errorf("Kind = %s, want unknown", ce.Kind)
	}
}

func TestRetryHint(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
	}{
		{"Please retry in 3s.", 3 * time.Second},
		{"RESOURCE_EXHAUSTED ... retry in 41.5s", 41500 * time.Millisecond},
		{`"retryDelay": "20s"`, 20 * time.Second},
		{"no hint", 0},
	}
	for _, tt := range tests {
		if got := retryHint(tt.msg); got != tt.want {
			t.Errorf("retryHint(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("burst then deny", func(t *testing.T) {
		r := NewRateLimiter(2)
		if !r.TryConsume() || !r.TryConsume() {
			t.Fatal("expected burst of 2")
		}
		if r.TryConsume() {
			t.Error("third token should be denied")
		}
		if got := r.Status().TotalConsumed; got != 2 {
			t.Errorf("TotalConsumed = %d, want 2", got)
		}
	})

	t.Run("429 pauses the credential", func(t *testing.T) {
		r := NewRateLimiter(600)
		r.Record429(time.Hour)
		if r.TryConsume() {
			t.Error("paused limiter should not hand out tokens")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := r.Wait(ctx); err == nil {
			t.Error("Wait should give up when ctx expires during a pause")
		}
		if r.Status().Last429Time.IsZero() {
			t.Error("expected Last429Time to be recorded")
		}
	})

	t.Run("limited client records rate limits", func(t *testing.T) {
		r := NewRateLimiter(600)
		c := Limited(NewScriptedClient("x", MockStep{Err: &CallError{Kind: KindRateLimited, RetryAfter: time.Hour}}), r)

		_, err := c.Chat(context.Background(), &ChatRequest{})
		if ce := AsCallError(err); ce == nil || ce.Kind != KindRateLimited {
			t.Fatalf("expected rate limit error, got %v", err)
		}
		if r.Status().PausedUntil.Before(time.Now().Add(30 * time.Minute)) {
			t.Error("expected the limiter to be paused by the retry hint")
		}
	})
}
