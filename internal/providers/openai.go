package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const OpenAIName = "openai"

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	defaultModel string
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI client. SDK retries are disabled; the
// caller owns retry policy.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4.1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(ctx, model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Kind: KindEmptyResponse, Provider: OpenAIName, Model: model,
			Err: fmt.Errorf("no choices in response (id=%s)", resp.ID)}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &CallError{Kind: KindContentBlocked, Provider: OpenAIName, Model: model,
			Err: errors.New("response withheld by content filter")}
	}
	if choice.Message.Refusal != "" {
		return nil, &CallError{Kind: KindContentBlocked, Provider: OpenAIName, Model: model,
			Err: fmt.Errorf("model refused: %s", choice.Message.Refusal)}
	}
	if choice.Message.Content == "" {
		return nil, &CallError{Kind: KindEmptyResponse, Provider: OpenAIName, Model: model,
			Err: fmt.Errorf("empty message content (finish_reason=%s)", choice.FinishReason)}
	}

	return &ChatResult{
		Content:          choice.Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
		ExecutionTime:    time.Since(start),
		Provider:         OpenAIName,
		ModelUsed:        resp.Model,
		RequestID:        resp.ID,
	}, nil
}

func mapOpenAIError(ctx context.Context, model string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return statusError(OpenAIName, model, apiErr.StatusCode, apiErr.Message, retryAfter)
	}
	return transportError(ctx, OpenAIName, model, err)
}

var _ LLMClient = (*OpenAIClient)(nil)
