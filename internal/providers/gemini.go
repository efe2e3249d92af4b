package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const (
	GeminiName         = "gemini"
	geminiDefaultModel = "gemini-2.5-flash"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	BaseURL      string // Optional (tests)
	DefaultModel string
	Timeout      time.Duration
	RPM          int
	HTTPClient   *http.Client // Optional (tests)
}

// GeminiClient implements LLMClient using the Google Gen AI SDK.
type GeminiClient struct {
	apiKey       string
	defaultModel string
	rpm          int
	client       *genai.Client
	initErr      error
}

// NewGeminiClient creates a new Gemini client. Client construction does
// not touch the network; configuration errors surface on the first Chat.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = geminiDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RPM == 0 {
		cfg.RPM = 60
	}

	c := &GeminiClient{
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		rpm:          cfg.RPM,
	}
	if cfg.APIKey == "" {
		return c
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	gc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		gc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	c.client, c.initErr = genai.NewClient(context.Background(), gc)
	return c
}

// Name returns the client identifier.
func (c *GeminiClient) Name() string {
	return GeminiName
}

// RequestsPerMinute returns the RPM limit for rate limiting.
func (c *GeminiClient) RequestsPerMinute() int {
	return c.rpm
}

// Chat sends a generate-content request, streaming when req.OnDelta is set.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
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
		Provider:  GeminiName,
		ModelUsed: model,
		Attempts:  1,
	}
	if c.apiKey == "" {
		return result.fail(start, "not_configured", fmt.Errorf("%w: gemini api key missing", ErrNotConfigured))
	}
	if c.initErr != nil {
		return result.fail(start, "not_configured", fmt.Errorf("%w: %v", ErrNotConfigured, c.initErr))
	}

	contents, config := c.buildContents(req)

	var (
		text  strings.Builder
		usage *genai.GenerateContentResponseUsageMetadata
	)
	collect := func(resp *genai.GenerateContentResponse, stream bool) {
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			result.FinishReason = string(resp.Candidates[0].FinishReason)
		}
		if resp.ModelVersion != "" {
			result.ModelUsed = resp.ModelVersion
		}
		delta := resp.Text()
		if delta == "" {
			return
		}
		text.WriteString(delta)
		if stream {
			req.OnDelta(delta)
		}
	}

	if req.OnDelta != nil {
		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return result.fail(start, "http_error", mapGeminiError(err))
			}
			collect(resp, true)
		}
		result.Streamed = true
	} else {
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return result.fail(start, "http_error", mapGeminiError(err))
		}
		collect(resp, false)
	}

	result.Success = true
	result.Content = text.String()
	if usage != nil {
		result.PromptTokens = int(usage.PromptTokenCount)
		result.CompletionTokens = int(usage.CandidatesTokenCount)
		result.TotalTokens = int(usage.TotalTokenCount)
	}
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

// buildContents maps chat messages onto Gemini contents. System messages
// are folded into the system instruction.
func (c *GeminiClient) buildContents(req *ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.TopP > 0 {
		config.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK > 0 {
		config.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.FrequencyPenalty != 0 {
		config.FrequencyPenalty = genai.Ptr(float32(req.FrequencyPenalty))
	}
	if req.ResponseFormat != nil {
		config.ResponseMIMEType = "application/json"
	}
	return contents, config
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: GeminiName, StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &HTTPError{Provider: GeminiName, StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return err
}

var _ LLMClient = (*GeminiClient)(nil)
