package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const AnthropicName = "anthropic"

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// AnthropicClient implements LLMClient using the Anthropic Messages API.
type AnthropicClient struct {
	defaultModel string
	client       anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client with SDK retries off.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		defaultModel: cfg.DefaultModel,
		client:       anthropic.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *AnthropicClient) Name() string {
	return AnthropicName
}

// Chat sends a messages request. Structured output is requested through the
// prompt; the caller validates the result.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	system, conversation := req.System()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(conversation)),
	}
	for _, m := range conversation {
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(ctx, model, err)
	}
	if string(resp.StopReason) == "refusal" {
		return nil, &CallError{Kind: KindContentBlocked, Provider: AnthropicName, Model: model,
			Err: errors.New("model refused the request")}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &CallError{Kind: KindEmptyResponse, Provider: AnthropicName, Model: model,
			Err: fmt.Errorf("no text blocks (stop_reason=%s)", resp.StopReason)}
	}

	return &ChatResult{
		Content:          text.String(),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		ExecutionTime:    time.Since(start),
		Provider:         AnthropicName,
		ModelUsed:        string(resp.Model),
		RequestID:        resp.ID,
	}, nil
}

func mapAnthropicError(ctx context.Context, model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return statusError(AnthropicName, model, apiErr.StatusCode, apiErr.Error(), retryAfter)
	}
	return transportError(ctx, AnthropicName, model, err)
}

var _ LLMClient = (*AnthropicClient)(nil)
