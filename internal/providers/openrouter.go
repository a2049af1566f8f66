package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenRouterConfig holds configuration for the OpenRouter client.
type OpenRouterConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OpenRouterClient implements LLMClient against any OpenAI-compatible chat
// completions endpoint, OpenRouter by default.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "google/gemini-2.5-pro"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	return &OpenRouterClient{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the client identifier.
func (c *OpenRouterClient) Name() string {
	return OpenRouterName
}

// Chat sends a chat completion request.
func (c *OpenRouterClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	orReq := openRouterRequest{
		Model:       model,
		Messages:    make([]openRouterMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		orReq.Messages = append(orReq.Messages, openRouterMessage{Role: m.Role, Content: m.Content})
	}
	rf, err := adaptedResponseFormat(model, req.ResponseFormat)
	if err != nil {
		return nil, err
	}
	orReq.ResponseFormat = rf

	orResp, err := c.doRequest(ctx, model, &orReq)
	if err != nil {
		return nil, err
	}

	if orResp.Error != nil {
		msg := fmt.Sprintf("%v: %s", orResp.Error.Code, orResp.Error.Message)
		kind, overloaded := classifyMessage(msg)
		if kind == KindUnknown {
			kind = KindServer
		}
		return nil, &CallError{Kind: kind, Provider: OpenRouterName, Model: model, Overloaded: overloaded, RetryAfter: retryHint(msg), Err: fmt.Errorf("%s", msg)}
	}
	if len(orResp.Choices) == 0 {
		return nil, &CallError{Kind: KindEmptyResponse, Provider: OpenRouterName, Model: model,
			Err: fmt.Errorf("no choices in response (id=%s)", orResp.ID)}
	}

	choice := orResp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &CallError{Kind: KindContentBlocked, Provider: OpenRouterName, Model: model,
			Err: fmt.Errorf("response withheld by content filter")}
	}
	if choice.Message.Content == "" {
		return nil, &CallError{Kind: KindEmptyResponse, Provider: OpenRouterName, Model: model,
			Err: fmt.Errorf("empty message content (finish_reason=%s)", choice.FinishReason)}
	}

	return &ChatResult{
		Content:          choice.Message.Content,
		PromptTokens:     orResp.Usage.PromptTokens,
		CompletionTokens: orResp.Usage.CompletionTokens,
		TotalTokens:      orResp.Usage.TotalTokens,
		ExecutionTime:    time.Since(start),
		Provider:         OpenRouterName,
		ModelUsed:        orResp.Model,
		RequestID:        requestID,
	}, nil
}

// doRequest makes a single HTTP request and classifies any failure.
func (c *OpenRouterClient) doRequest(ctx context.Context, model string, orReq *openRouterRequest) (*openRouterResponse, error) {
	bodyBytes, err := json.Marshal(orReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/jackzampolin/codex")
	req.Header.Set("X-Title", "Codex")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, OpenRouterName, model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, OpenRouterName, model, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(OpenRouterName, model, resp.StatusCode, string(respBody), parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var orResp openRouterResponse
	if err := json.Unmarshal(respBody, &orResp); err != nil {
		return nil, &CallError{Kind: KindServer, Provider: OpenRouterName, Model: model, Status: resp.StatusCode,
			Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return &orResp, nil
}
