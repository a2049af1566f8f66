package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls made with one credential. It wraps a token bucket
// and adds a cool-down window that a 429 response can impose.
type RateLimiter struct {
	limiter *rate.Limiter
	rpm     int

	mu            sync.Mutex
	pausedUntil   time.Time
	last429Time   time.Time
	totalConsumed int64
	totalWaited   time.Duration
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
	PausedUntil     time.Time     `json:"paused_until,omitempty"`
}

// NewRateLimiter creates a limiter allowing requestsPerMinute with a burst of
// the same size.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 150
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		rpm:     requestsPerMinute,
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	pause := time.Until(r.pausedUntil)
	r.mu.Unlock()
	if pause > 0 {
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.totalConsumed++
	r.totalWaited += time.Since(start)
	r.mu.Unlock()
	return nil
}

// TryConsume takes a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.pausedUntil) {
		return false
	}
	if !r.limiter.Allow() {
		return false
	}
	r.totalConsumed++
	return true
}

// Record429 notes a rate-limit response. With a retryAfter hint, calls on
// this credential are held until the hint expires.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.last429Time = now
	if retryAfter > 0 {
		if until := now.Add(retryAfter); until.After(r.pausedUntil) {
			r.pausedUntil = until
		}
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStatus{
		TokensAvailable: int(r.limiter.Tokens()),
		TokensLimit:     r.rpm,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
		PausedUntil:     r.pausedUntil,
	}
}

// limitedClient gates an LLMClient behind a RateLimiter.
type limitedClient struct {
	LLMClient
	limiter *RateLimiter
}

// Limited wraps client so every Chat waits on limiter first and reports
// rate-limit failures back to it.
func Limited(client LLMClient, limiter *RateLimiter) LLMClient {
	if limiter == nil {
		return client
	}
	return &limitedClient{LLMClient: client, limiter: limiter}
}

func (c *limitedClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(ctx, c.Name(), req.Model, err)
	}
	result, err := c.LLMClient.Chat(ctx, req)
	if ce := AsCallError(err); ce != nil && ce.Kind == KindRateLimited {
		c.limiter.Record429(ce.RetryAfter)
	}
	return result, err
}
