package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed model call.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindContentBlocked Kind = "content_blocked"
	KindAuth           Kind = "auth_error"
	KindServer         Kind = "server_error"
	KindTimeout        Kind = "timeout"
	KindEmptyResponse  Kind = "empty_response"
	KindParse          Kind = "parse_error"
	KindUnknown        Kind = "unknown"
)

// CallError is the error every LLMClient returns on failure.
type CallError struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int

	// Overloaded marks a saturated service. Callers should move to another
	// tier instead of retrying this one.
	Overloaded bool

	// RetryAfter is the server's suggested wait, when it gave one.
	RetryAfter time.Duration

	Err error
}

func (e *CallError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// Fatal reports errors that must stop every further attempt on every tier.
func (e *CallError) Fatal() bool {
	return e.Kind == KindAuth || e.Kind == KindContentBlocked
}

// Retryable reports errors worth another attempt on the same tier.
func (e *CallError) Retryable() bool {
	if e.Overloaded {
		return false
	}
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout, KindEmptyResponse:
		return true
	}
	return false
}

// AsCallError extracts a *CallError from err, classifying anything else as
// unknown (or timeout, for deadline errors).
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: KindTimeout, Err: err}
	}
	return &CallError{Kind: KindUnknown, Err: err}
}

// classifyStatus maps an HTTP status (plus body text) to a Kind.
func classifyStatus(status int, body string) (Kind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, false
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status == 524:
		return KindTimeout, false
	case status == http.StatusServiceUnavailable || status == 529:
		return KindServer, true
	case status >= 500:
		return KindServer, false
	}
	if kind, overloaded := classifyMessage(body); kind != KindUnknown {
		return kind, overloaded
	}
	return KindUnknown, false
}

// classifyMessage inspects error text for well-known provider signals.
func classifyMessage(msg string) (Kind, bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") || strings.Contains(lower, "quota"):
		return KindRateLimited, false
	case strings.Contains(lower, "overloaded") || strings.Contains(msg, "UNAVAILABLE"):
		return KindServer, true
	case strings.Contains(lower, "content_filter") || strings.Contains(lower, "content policy") ||
		strings.Contains(lower, "safety") || strings.Contains(lower, "blocked"):
		return KindContentBlocked, false
	case strings.Contains(lower, "invalid api key") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(msg, "PERMISSION_DENIED") || strings.Contains(msg, "UNAUTHENTICATED"):
		return KindAuth, false
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
		return KindTimeout, false
	}
	return KindUnknown, false
}

var retryHintRegex = regexp.MustCompile(`(?i)(?:retry in |retryDelay[:\s"]+)(\d+(?:\.\d+)?)\s*s`)

// retryHint extracts a "retry in 12.5s" style hint from error text.
func retryHint(msg string) time.Duration {
	m := retryHintRegex.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// statusError builds a CallError from an HTTP-style failure.
func statusError(provider, model string, status int, body string, retryAfter time.Duration) *CallError {
	kind, overloaded := classifyStatus(status, body)
	if retryAfter == 0 {
		retryAfter = retryHint(body)
	}
	if len(body) > 500 {
		body = body[:500] + "...[truncated]"
	}
	return &CallError{
		Kind:       kind,
		Provider:   provider,
		Model:      model,
		Status:     status,
		Overloaded: overloaded,
		RetryAfter: retryAfter,
		Err:        errors.New(strings.TrimSpace(body)),
	}
}

// transportError classifies errors that never produced a status code.
func transportError(ctx context.Context, provider, model string, err error) *CallError {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &CallError{Kind: KindTimeout, Provider: provider, Model: model, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &CallError{Kind: KindUnknown, Provider: provider, Model: model, Err: err}
	}
	kind, overloaded := classifyMessage(err.Error())
	if kind == KindUnknown {
		// connection resets and the like are transient
		kind = KindServer
	}
	return &CallError{Kind: kind, Provider: provider, Model: model, Overloaded: overloaded, RetryAfter: retryHint(err.Error()), Err: err}
}
