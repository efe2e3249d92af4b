// Package llmcall records every provider attempt for traceability and
// cost accounting. Each attempt is stored with the chapter/chunk it served,
// the provider spec that made it, its token usage, and its outcome.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// Call represents a recorded LLM API attempt.
type Call struct {
	// Unique identifier
	ID string `json:"id" yaml:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	LatencyMs int       `json:"latency_ms" yaml:"latency_ms"`

	// Context references
	BookID  string `json:"book_id,omitempty" yaml:"book_id,omitempty"`
	Chapter int    `json:"chapter" yaml:"chapter"`
	Chunk   int    `json:"chunk" yaml:"chunk"`

	// Purpose is the prompt the call served ("translate", "toc").
	Purpose string `json:"purpose" yaml:"purpose"`

	// Attempt identity within the fallback chain
	Spec    string `json:"spec" yaml:"spec"`
	Attempt int    `json:"attempt" yaml:"attempt"`

	// Model info
	Provider    string   `json:"provider" yaml:"provider"`
	Upstream    string   `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Model       string   `json:"model" yaml:"model"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// Token usage
	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" yaml:"cost_usd"`

	// Response
	Response string `json:"response,omitempty" yaml:"response,omitempty"`
	Streamed bool   `json:"streamed" yaml:"streamed"`

	// Status
	Success   bool   `json:"success" yaml:"success"`
	ErrorKind string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	BookID  string
	Chapter int
	Chunk   int
	Purpose string

	Spec     string
	Upstream string
	Attempt  int

	// Request parameters (pointer to distinguish "not set" from "set to 0")
	Temperature *float64

	// Err is the attempt error when the call failed before or after the
	// provider produced a result.
	Err error
}

// FromChatResult creates a Call from a ChatResult. A nil result still
// yields a call when opts.Err is set (transport failure, timeout).
func FromChatResult(result *providers.ChatResult, opts RecordOptions) *Call {
	if result == nil && opts.Err == nil {
		return nil
	}

	call := &Call{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		BookID:      opts.BookID,
		Chapter:     opts.Chapter,
		Chunk:       opts.Chunk,
		Purpose:     opts.Purpose,
		Spec:        opts.Spec,
		Upstream:    opts.Upstream,
		Attempt:     opts.Attempt,
		Temperature: opts.Temperature,
	}

	if result != nil {
		call.LatencyMs = int(result.TotalTime.Milliseconds())
		call.Provider = result.Provider
		call.Model = result.ModelUsed
		call.InputTokens = result.PromptTokens
		call.OutputTokens = result.CompletionTokens
		call.CostUSD = result.CostUSD
		call.Response = result.Content
		call.Streamed = result.Streamed
		call.Success = result.Success
		if !result.Success {
			call.ErrorKind = result.ErrorType
			call.Error = result.ErrorMessage
		}
	}

	if opts.Err != nil {
		call.Success = false
		call.Error = opts.Err.Error()
		if call.ErrorKind == "" {
			call.ErrorKind = "error"
		}
	}
	return call
}
