package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

// CompatibleName is the client type for self-hosted or third-party
// endpoints speaking the OpenAI chat completions protocol.
const CompatibleName = "openai-compatible"

// CompatibleConfig configures a custom endpoint client.
type CompatibleConfig struct {
	Name         string // Registry name, used as the result's Provider
	BaseURL      string
	APIKey       string // Optional for local servers
	DefaultModel string
	Timeout      time.Duration
	RPM          int
	HTTPClient   *http.Client // Optional (tests)
}

// CompatibleClient implements LLMClient against any OpenAI-compatible
// endpoint (llama.cpp, vLLM, LM Studio, DeepSeek, ...).
type CompatibleClient struct {
	name         string
	baseURL      string
	defaultModel string
	rpm          int
	client       *goopenai.Client
}

// NewCompatibleClient creates a custom endpoint client.
func NewCompatibleClient(cfg CompatibleConfig) *CompatibleClient {
	if cfg.Name == "" {
		cfg.Name = CompatibleName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RPM == 0 {
		cfg.RPM = 60
	}

	oc := goopenai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &CompatibleClient{
		name:         cfg.Name,
		baseURL:      oc.BaseURL,
		defaultModel: cfg.DefaultModel,
		rpm:          cfg.RPM,
		client:       goopenai.NewClientWithConfig(oc),
	}
}

// Name returns the client identifier.
func (c *CompatibleClient) Name() string {
	return c.name
}

// RequestsPerMinute returns the RPM limit for rate limiting.
func (c *CompatibleClient) RequestsPerMinute() int {
	return c.rpm
}

// Chat sends a chat completion request, streaming when req.OnDelta is set.
func (c *CompatibleClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	result := &ChatResult{
		RequestID: requestID,
		Provider:  c.name,
		ModelUsed: model,
		Attempts:  1,
	}
	if c.baseURL == "" {
		return result.fail(start, "not_configured", fmt.Errorf("%w: %s base url missing", ErrNotConfigured, c.name))
	}

	creq := c.buildRequest(model, req)

	if req.OnDelta != nil {
		content, usage, finish, err := c.stream(ctx, creq, req.OnDelta)
		if err != nil {
			return result.fail(start, "http_error", mapCompatibleError(c.name, err))
		}
		result.Content = content
		result.FinishReason = finish
		if usage != nil {
			result.PromptTokens = usage.PromptTokens
			result.CompletionTokens = usage.CompletionTokens
			result.TotalTokens = usage.TotalTokens
		}
		result.Streamed = true
	} else {
		resp, err := c.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return result.fail(start, "http_error", mapCompatibleError(c.name, err))
		}
		if len(resp.Choices) == 0 {
			return result.fail(start, "empty_response", fmt.Errorf("no choices in response"))
		}
		result.Content = resp.Choices[0].Message.Content
		result.FinishReason = string(resp.Choices[0].FinishReason)
		if resp.Model != "" {
			result.ModelUsed = resp.Model
		}
		result.PromptTokens = resp.Usage.PromptTokens
		result.CompletionTokens = resp.Usage.CompletionTokens
		result.TotalTokens = resp.Usage.TotalTokens
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	result.TotalTime = result.ExecutionTime

	if req.ResponseFormat != nil && result.Content != "" {
		if parsed, err := ParseStructuredJSON(result.Content); err == nil {
			result.ParsedJSON = parsed
		} else {
			result.Success = false
			result.ErrorType = "json_parse"
			result.ErrorMessage = err.Error()
		}
	}
	return result, nil
}

func (c *CompatibleClient) buildRequest(model string, req *ChatRequest) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	creq := goopenai.ChatCompletionRequest{
		Model:            model,
		Messages:         msgs,
		Temperature:      float32(req.Temperature),
		TopP:             float32(req.TopP),
		FrequencyPenalty: float32(req.FrequencyPenalty),
		MaxTokens:        req.MaxTokens,
	}
	if req.ResponseFormat != nil {
		creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return creq
}

func (c *CompatibleClient) stream(ctx context.Context, creq goopenai.ChatCompletionRequest, onDelta func(string)) (string, *goopenai.Usage, string, error) {
	creq.Stream = true
	creq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return "", nil, "", err
	}
	defer stream.Close()

	var (
		b      strings.Builder
		usage  *goopenai.Usage
		finish string
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, "", err
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		for _, ch := range resp.Choices {
			if ch.Delta.Content != "" {
				b.WriteString(ch.Delta.Content)
				onDelta(ch.Delta.Content)
			}
			if ch.FinishReason != "" {
				finish = string(ch.FinishReason)
			}
		}
	}
	return b.String(), usage, finish, nil
}

func mapCompatibleError(provider string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: provider, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPError{Provider: provider, StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body)}
	}
	return err
}

var _ LLMClient = (*CompatibleClient)(nil)
