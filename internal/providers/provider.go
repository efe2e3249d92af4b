package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// LLMClient is the interface every chat backend implements.
type LLMClient interface {
	// Chat sends a chat completion request. When req.OnDelta is set the
	// client streams and reports content deltas as they arrive; the
	// returned result always carries the full assembled content.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_object" or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// JSONObject asks the backend for a bare JSON object response.
var JSONObject = &ResponseFormat{Type: "json_object"}

// Sampling holds generation parameters passed through to the backend.
// Zero values mean "backend default" except Temperature, which is always
// sent.
type Sampling struct {
	Temperature      float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	TopP             float64 `json:"top_p" yaml:"top_p" mapstructure:"top_p"`
	TopK             int     `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty" mapstructure:"frequency_penalty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Sampling

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// ProviderOrder pins OpenRouter to specific upstream providers with
	// fallbacks disabled. Ignored by other clients.
	ProviderOrder []string `json:"-"`

	// OnDelta receives streamed content fragments. Optional.
	OnDelta func(delta string) `json:"-"`

	// Attempt is the 1-based attempt number for this request, set by the
	// caller that owns retries.
	Attempt int `json:"-"`

	// Request tracking
	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	// Response content
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // Parsed if ResponseFormat was set

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`
	TotalTime     time.Duration `json:"total_time"`
	Streamed      bool          `json:"streamed"`

	// Provider info
	Provider     string `json:"provider"`
	ModelUsed    string `json:"model_used"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	// Success/error
	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryAfter   time.Duration
}

// fail marks the result as failed and returns err for convenience.
func (r *ChatResult) fail(start time.Time, errType string, err error) (*ChatResult, error) {
	r.Success = false
	r.ErrorType = errType
	r.ErrorMessage = err.Error()
	r.TotalTime = time.Since(start)
	return r, err
}

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, body)
}

// Retryable reports whether repeating the same request can succeed.
// Payload/format rejections (413/422) are retried with a nonce, rate
// limits and server errors are retried, other client errors are not.
func (e *HTTPError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

// IsRetryable reports whether err is worth another attempt against the
// same backend. Unknown errors (transport failures, timeouts, malformed
// bodies) are retryable.
func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return !errors.Is(err, ErrNotConfigured)
}

// ErrNotConfigured is returned when a client lacks credentials.
var ErrNotConfigured = errors.New("provider not configured")
