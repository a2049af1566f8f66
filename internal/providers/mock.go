package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const MockClientName = "mock"

// MockStep is one scripted outcome for MockClient.
type MockStep struct {
	Content string
	Err     error
	// Delay is waited (or interrupted by ctx) before the step resolves.
	Delay time.Duration
}

// MockClient is an LLMClient for testing. It plays Steps in order; once they
// run out it repeats the last one, or answers ResponseText when none were
// given.
type MockClient struct {
	ClientName   string
	ResponseText string
	Steps        []MockStep

	mu       sync.Mutex
	requests []*ChatRequest
}

// NewMockClient creates a mock client that answers with text.
func NewMockClient(text string) *MockClient {
	return &MockClient{ResponseText: text}
}

// NewScriptedClient creates a mock client that plays steps in order.
func NewScriptedClient(name string, steps ...MockStep) *MockClient {
	return &MockClient{ClientName: name, Steps: steps}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	if c.ClientName != "" {
		return c.ClientName
	}
	return MockClientName
}

// Chat resolves the next scripted step.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	c.mu.Lock()
	n := len(c.requests)
	c.requests = append(c.requests, req)
	step := MockStep{Content: c.ResponseText}
	if len(c.Steps) > 0 {
		if n < len(c.Steps) {
			step = c.Steps[n]
		} else {
			step = c.Steps[len(c.Steps)-1]
		}
	}
	c.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, transportError(ctx, c.Name(), req.Model, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(step.Content) / 4
	return &ChatResult{
		Content:          step.Content,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Provider:         c.Name(),
		ModelUsed:        req.Model,
		RequestID:        fmt.Sprintf("mock-%d", n+1),
	}, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns the requests received so far.
func (c *MockClient) Requests() []*ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ChatRequest(nil), c.requests...)
}

var _ LLMClient = (*MockClient)(nil)
