// Package llmcall records every model attempt made on behalf of a job so
// retries and tier fallbacks can be inspected after the fact.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/codex/internal/providers"
)

// Call represents one recorded model attempt.
type Call struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Context references
	JobID      string `json:"job_id,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	BatchIndex int    `json:"batch_index"`
	Operation  string `json:"operation"` // "analyze" or "translate"

	Tier     string `json:"tier"`
	Attempt  int    `json:"attempt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RecordOptions provides context for recording a call.
type RecordOptions struct {
	JobID      string
	TargetID   string
	BatchIndex int
	Operation  string
	Tier       string
	Attempt    int
	Model      string
}

// New builds a Call from an attempt outcome. Exactly one of result and err
// is normally set.
func New(result *providers.ChatResult, err error, latency time.Duration, opts RecordOptions) Call {
	call := Call{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		LatencyMs:  int(latency.Milliseconds()),
		JobID:      opts.JobID,
		TargetID:   opts.TargetID,
		BatchIndex: opts.BatchIndex,
		Operation:  opts.Operation,
		Tier:       opts.Tier,
		Attempt:    opts.Attempt,
		Model:      opts.Model,
		Success:    err == nil,
	}
	if result != nil {
		call.Provider = result.Provider
		if result.ModelUsed != "" {
			call.Model = result.ModelUsed
		}
		call.InputTokens = result.PromptTokens
		call.OutputTokens = result.CompletionTokens
	}
	if err != nil {
		ce := providers.AsCallError(err)
		call.ErrorKind = string(ce.Kind)
		call.Error = err.Error()
		if call.Provider == "" {
			call.Provider = ce.Provider
		}
	}
	return call
}
