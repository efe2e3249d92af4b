package providers

import "encoding/json"

// OpenRouter API types

type openRouterRequest struct {
	Model            string                    `json:"model"`
	Messages         []openRouterMessage       `json:"messages"`
	Temperature      float64                   `json:"temperature"`
	MaxTokens        int                       `json:"max_tokens,omitempty"`
	TopP             float64                   `json:"top_p,omitempty"`
	TopK             int                       `json:"top_k,omitempty"`
	FrequencyPenalty float64                   `json:"frequency_penalty,omitempty"`
	ResponseFormat   *openRouterResponseFormat `json:"response_format,omitempty"`
	Provider         *openRouterProvider       `json:"provider,omitempty"`
	Stream           bool                      `json:"stream,omitempty"`
	Usage            *openRouterUsageOpt       `json:"usage,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// openRouterProvider pins routing to specific upstream providers.
type openRouterProvider struct {
	Order          []string `json:"order"`
	AllowFallbacks bool     `json:"allow_fallbacks"`
}

type openRouterUsageOpt struct {
	Include bool `json:"include"`
}

type openRouterUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type openRouterChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type openRouterResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openRouterChoice `json:"choices"`
	Usage   openRouterUsage    `json:"usage"`
	Error   *openRouterError   `json:"error,omitempty"`
}

type openRouterStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

// OpenRouter models listing

// ModelInfo describes a model offered by OpenRouter.
type ModelInfo struct {
	ID            string  `json:"id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	ContextLength int     `json:"context_length" yaml:"context_length"`
	PromptPrice   float64 `json:"prompt_price_per_mtok" yaml:"prompt_price_per_mtok"`
	OutputPrice   float64 `json:"output_price_per_mtok" yaml:"output_price_per_mtok"`
}

type openRouterModelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

type openRouterEndpointsResponse struct {
	Data struct {
		Endpoints []struct {
			ProviderName string `json:"provider_name"`
			Tag          string `json:"tag"`
		} `json:"endpoints"`
	} `json:"data"`
}
