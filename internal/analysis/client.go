// Package analysis calls the model tiers for one unit of work: a batch of
// chapters to mine for entities, or a single chapter to translate. It owns
// retry, backoff, tier fallback and output repair; callers see one result or
// one classified error.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/llmcall"
	"github.com/jackzampolin/codex/internal/providers"
)

// TierSource supplies the ordered tier list. *providers.Registry implements it.
type TierSource interface {
	Tiers() []*providers.Tier
}

// CallRecorder receives one record per attempt. *llmcall.Recorder implements it.
type CallRecorder interface {
	Record(call llmcall.Call)
}

// Config configures a Client. Zero durations take defaults.
type Config struct {
	Tiers TierSource

	CallTimeout       time.Duration // hard limit per attempt (default 180s)
	BaseDelay         time.Duration // backoff base (default 2s)
	RateLimitDelay    time.Duration // backoff base after a 429 (default 10s)
	MaxDelay          time.Duration // backoff cap (default 60s)
	Jitter            float64       // +/- fraction (default 0.2)
	DefaultMaxRetries int           // attempts per tier when the tier sets none (default 3)

	TargetLanguage string
	Temperature    float64
	MaxTokens      int

	// Rand returns values in [0,1) for jitter. Tests pin it.
	Rand func() float64
	// Timer lets tests observe backoff without sleeping.
	Timer retry.Timer

	Recorder CallRecorder
	Logger   *slog.Logger
}

// Client runs analysis and translation calls over the tier ladder.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a client, filling config defaults.
func NewClient(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 180 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 10 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.2
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "English"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 16000
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: cfg.Logger}
}

// Chapter is one chapter of input text.
type Chapter struct {
	Number  int
	Title   string
	Content string
}

// Request is one batch to analyze.
type Request struct {
	JobID       string
	TargetID    string
	BatchIndex  int
	KeyRotation int
	Chapters    []Chapter
	// Known is the entity set accumulated so far, sent as context.
	Known entities.Set
}

// Result is a successful analysis.
type Result struct {
	Entities entities.Set
	Outcome
}

// Outcome describes which tier produced a result and at what cost.
type Outcome struct {
	Tier             string
	Model            string
	Attempts         int
	PromptTokens     int
	CompletionTokens int
}

// TierError is the last error seen on one tier.
type TierError struct {
	Tier string
	Err  error
}

// AllTiersFailedError is returned when every tier was tried and none
// produced a usable result.
type AllTiersFailedError struct {
	Errors []TierError
}

func (e *AllTiersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, te := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", te.Tier, te.Err))
	}
	return "all tiers failed: " + strings.Join(parts, "; ")
}

func (e *AllTiersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, te := range e.Errors {
		errs = append(errs, te.Err)
	}
	return errs
}

// ErrNoTiers is returned when the tier source is empty.
var ErrNoTiers = errors.New("no model tiers configured")

// Analyze extracts entities from one batch of chapters.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	system, err := systemPrompt(c.cfg.TargetLanguage)
	if err != nil {
		return nil, err
	}
	user, err := batchPrompt(req.Chapters, req.Known)
	if err != nil {
		return nil, err
	}

	chat := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &providers.ResponseFormat{Type: "json_object"},
	}

	var set entities.Set
	outcome, err := c.run(ctx, callInfo{
		op: "analyze", jobID: req.JobID, targetID: req.TargetID,
		batchIndex: req.BatchIndex, rotation: req.KeyRotation,
	}, chat, func(res *providers.ChatResult) error {
		raw, err := providers.ParseStructured(res.Provider, res.ModelUsed, res.Content, ResultSchema)
		if err != nil {
			return err
		}
		var s entities.Set
		if err := json.Unmarshal(raw, &s); err != nil {
			return &providers.CallError{Kind: providers.KindParse, Provider: res.Provider, Model: res.ModelUsed, Err: err}
		}
		set = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Entities: set, Outcome: *outcome}, nil
}

// TranslateRequest is one chapter to translate.
type TranslateRequest struct {
	JobID       string
	TargetID    string
	KeyRotation int
	Chapter     Chapter
	// Glossary pins renderings of known terms.
	Glossary []entities.Term
}

// TranslateResult is a successful translation.
type TranslateResult struct {
	Text string
	Outcome
}

// Translate renders one chapter in the target language. Output is plain
// text, so only emptiness is checked.
func (c *Client) Translate(ctx context.Context, req TranslateRequest) (*TranslateResult, error) {
	system, err := translatePrompt(c.cfg.TargetLanguage, req.Glossary)
	if err != nil {
		return nil, err
	}
	user := req.Chapter.Content
	if req.Chapter.Title != "" {
		user = req.Chapter.Title + "\n\n" + user
	}

	chat := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var text string
	outcome, err := c.run(ctx, callInfo{
		op: "translate", jobID: req.JobID, targetID: req.TargetID,
		batchIndex: req.Chapter.Number, rotation: req.KeyRotation,
	}, chat, func(res *providers.ChatResult) error {
		text = strings.TrimSpace(res.Content)
		if text == "" {
			return &providers.CallError{Kind: providers.KindEmptyResponse, Provider: res.Provider, Model: res.ModelUsed,
				Err: errors.New("blank translation")}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TranslateResult{Text: text, Outcome: *outcome}, nil
}

type callInfo struct {
	op         string
	jobID      string
	targetID   string
	batchIndex int
	rotation   int
}

// run walks the tiers in order. Within a tier it retries retryable errors
// with backoff; overloaded, parse and unknown errors move on to the next
// tier; fatal errors stop everything.
func (c *Client) run(ctx context.Context, info callInfo, chat providers.ChatRequest, accept func(*providers.ChatResult) error) (*Outcome, error) {
	tiers := c.cfg.Tiers.Tiers()
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}

	logger := c.logger.With("op", info.op, "job_id", info.jobID, "batch", info.batchIndex)
	var failures []TierError
	total := 0

	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client := tier.Client(info.rotation)
		if client == nil {
			continue
		}
		maxRetries := tier.MaxRetries
		if maxRetries <= 0 {
			maxRetries = c.cfg.DefaultMaxRetries
		}

		req := chat
		req.Model = tier.Model

		var (
			outcome *Outcome
			attempt int
			prev    time.Duration
		)
		err := retry.Do(
			func() error {
				attempt++
				total++
				res, err := c.attempt(ctx, client, &req)
				if err == nil {
					err = accept(res)
				}
				c.record(info, tier, attempt, res, err)
				if err != nil {
					return err
				}
				outcome = &Outcome{
					Tier:             tier.Name,
					Model:            res.ModelUsed,
					Attempts:         total,
					PromptTokens:     res.PromptTokens,
					CompletionTokens: res.CompletionTokens,
				}
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(uint(maxRetries)),
			retry.MaxDelay(c.cfg.MaxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return providers.AsCallError(err).Retryable()
			}),
			retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
				d := c.backoff(n, providers.AsCallError(err))
				if d < prev {
					d = prev
				}
				prev = d
				return d
			}),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn("model call failed", "tier", tier.Name, "attempt", n+1, "error", err)
			}),
			retry.WithTimer(c.timer()),
		)
		if err == nil && outcome != nil {
			if len(failures) > 0 {
				logger.Info("fell back to lower tier", "tier", tier.Name, "failed_tiers", len(failures))
			}
			return outcome, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ce := providers.AsCallError(err)
		if ce.Fatal() {
			logger.Error("fatal model error, aborting", "tier", tier.Name, "kind", ce.Kind, "error", err)
			return nil, fmt.Errorf("tier %s: %w", tier.Name, err)
		}
		logger.Warn("tier exhausted", "tier", tier.Name, "kind", ce.Kind, "attempts", attempt)
		failures = append(failures, TierError{Tier: tier.Name, Err: err})
	}

	if len(failures) == 0 {
		return nil, ErrNoTiers
	}
	return nil, &AllTiersFailedError{Errors: failures}
}

// attempt makes one call under the per-call hard timeout.
func (c *Client) attempt(ctx context.Context, client providers.LLMClient, req *providers.ChatRequest) (*providers.ChatResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	res, err := client.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &providers.CallError{Kind: providers.KindTimeout, Provider: client.Name(), Model: req.Model,
				Err: fmt.Errorf("no response within %s: %w", c.cfg.CallTimeout, err)}
		}
		return nil, err
	}
	return res, nil
}

// backoff computes the wait before attempt n+1: base * 1.5^n with jitter,
// raised to any server hint and capped at MaxDelay.
func (c *Client) backoff(n uint, ce *providers.CallError) time.Duration {
	base := c.cfg.BaseDelay
	if ce != nil && ce.Kind == providers.KindRateLimited {
		base = c.cfg.RateLimitDelay
	}
	d := float64(base)
	for i := uint(0); i < n; i++ {
		d *= 1.5
	}
	d *= 1 + c.cfg.Jitter*(2*c.cfg.Rand()-1)

	delay := time.Duration(d)
	if ce != nil && ce.RetryAfter > delay {
		delay = ce.RetryAfter
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

func (c *Client) timer() retry.Timer {
	if c.cfg.Timer != nil {
		return c.cfg.Timer
	}
	return realTimer{}
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *Client) record(info callInfo, tier *providers.Tier, attempt int, res *providers.ChatResult, err error) {
	if c.cfg.Recorder == nil {
		return
	}
	var latency time.Duration
	if res != nil {
		latency = res.ExecutionTime
	}
	c.cfg.Recorder.Record(llmcall.New(res, err, latency, llmcall.RecordOptions{
		JobID:      info.jobID,
		TargetID:   info.targetID,
		BatchIndex: info.batchIndex,
		Operation:  info.op,
		Tier:       tier.Name,
		Attempt:    attempt,
		Model:      tier.Model,
	}))
}
