package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const GeminiName = "gemini"

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiClient implements LLMClient using the Google GenAI SDK.
type GeminiClient struct {
	defaultModel string
	client       *genai.Client
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{defaultModel: cfg.DefaultModel, client: client}, nil
}

// Name returns the client identifier.
func (c *GeminiClient) Name() string {
	return GeminiName
}

// Chat sends a generate-content request.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	system, conversation := req.System()
	contents := make([]*genai.Content, 0, len(conversation))
	for _, m := range conversation {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.ResponseFormat != nil {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, mapGeminiError(ctx, model, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &CallError{Kind: KindContentBlocked, Provider: GeminiName, Model: model,
			Err: fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)}
	}

	var text strings.Builder
	var finish genai.FinishReason
	for _, candidate := range resp.Candidates {
		finish = candidate.FinishReason
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		if finish == genai.FinishReasonSafety {
			return nil, &CallError{Kind: KindContentBlocked, Provider: GeminiName, Model: model,
				Err: errors.New("candidate withheld for safety")}
		}
		return nil, &CallError{Kind: KindEmptyResponse, Provider: GeminiName, Model: model,
			Err: fmt.Errorf("no text in response (finish_reason=%s)", finish)}
	}

	result := &ChatResult{
		Content:       text.String(),
		ExecutionTime: time.Since(start),
		Provider:      GeminiName,
		ModelUsed:     model,
		RequestID:     resp.ResponseID,
	}
	if u := resp.UsageMetadata; u != nil {
		result.PromptTokens = int(u.PromptTokenCount)
		result.CompletionTokens = int(u.CandidatesTokenCount)
		result.TotalTokens = int(u.TotalTokenCount)
	}
	return result, nil
}

func mapGeminiError(ctx context.Context, model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(GeminiName, model, apiErr.Code, apiErr.Status+": "+apiErr.Message, 0)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return statusError(GeminiName, model, apiErrPtr.Code, apiErrPtr.Status+": "+apiErrPtr.Message, 0)
	}
	return transportError(ctx, GeminiName, model, err)
}

var _ LLMClient = (*GeminiClient)(nil)
