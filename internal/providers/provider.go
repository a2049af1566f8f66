package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the call contract every model tier implements. A client makes
// exactly one attempt per Chat call; retry and fallback belong to the caller.
// Failures are returned as *CallError so callers can tell retryable from fatal.
type LLMClient interface {
	// Chat sends a single chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat asks the provider for structured output. Providers without
// native support ignore it; the caller validates locally either way.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_object" or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	RequestID string `json:"-"`
}

// System returns the concatenated system messages and the remaining
// conversation, for providers that take the system prompt separately.
func (r *ChatRequest) System() (string, []Message) {
	var system string
	rest := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// ChatResult is the response from a single successful LLM call.
type ChatResult struct {
	Content string `json:"content"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
}
