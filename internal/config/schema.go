package config

import (
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
)

// Config holds epubtranslate configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Providers   map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Translation TranslationCfg         `mapstructure:"translation" yaml:"translation"`
	Server      ServerCfg              `mapstructure:"server" yaml:"server"`
}

// ProviderCfg configures one named LLM client.
type ProviderCfg struct {
	// Type is openrouter, openai, openai-compatible or gemini.
	Type string `mapstructure:"type" yaml:"type"`
	// Model is used when a fallback spec names none.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// APIKey supports ${ENV_VAR} syntax.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// BaseURL is required for openai-compatible.
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// RateLimit is in requests per minute.
	RateLimit      int  `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
}

// TranslationCfg holds the translation settings of a run.
type TranslationCfg struct {
	SourceLanguage string `mapstructure:"source_language" yaml:"source_language"`
	TargetLanguage string `mapstructure:"target_language" yaml:"target_language"`
	ChunkTokens    int    `mapstructure:"chunk_tokens" yaml:"chunk_tokens"`
	// Tokenizer measures chunk_tokens: a tiktoken encoding such as
	// cl100k_base, or "estimate" for the character heuristic.
	Tokenizer string `mapstructure:"tokenizer" yaml:"tokenizer"`

	Temperature      float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP             float64 `mapstructure:"top_p" yaml:"top_p"`
	TopK             int     `mapstructure:"top_k" yaml:"top_k"`
	FrequencyPenalty float64 `mapstructure:"frequency_penalty" yaml:"frequency_penalty"`

	// TimeoutSeconds bounds each attempt. Fallback is the ordered
	// provider chain, each spec tried RetriesPerProvider times.
	TimeoutSeconds     int             `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	RetriesPerProvider int             `mapstructure:"retries_per_provider" yaml:"retries_per_provider"`
	Fallback           []fallback.Spec `mapstructure:"fallback" yaml:"fallback"`

	ContextMode          bool `mapstructure:"context_mode" yaml:"context_mode"`
	NotesMode            bool `mapstructure:"notes_mode" yaml:"notes_mode"`
	PowerSteering        bool `mapstructure:"power_steering" yaml:"power_steering"`
	ContextFilter        bool `mapstructure:"context_filter" yaml:"context_filter"`
	SendPreviousChapters bool `mapstructure:"send_previous_chapters" yaml:"send_previous_chapters"`
	PreviousChapters     int  `mapstructure:"previous_chapters" yaml:"previous_chapters"`
	SendPreviousChunks   bool `mapstructure:"send_previous_chunks" yaml:"send_previous_chunks"`
	PreviousChunkWindow  int  `mapstructure:"previous_chunk_window" yaml:"previous_chunk_window"`

	ConcurrentWorkers int        `mapstructure:"concurrent_workers" yaml:"concurrent_workers"`
	TOCBatchSize      int        `mapstructure:"toc_batch_size" yaml:"toc_batch_size"`
	Breaker           BreakerCfg `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerCfg configures the per-spec circuit breaker.
type BreakerCfg struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	Failures        int  `mapstructure:"failures" yaml:"failures"`
	CooldownSeconds int  `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// ServerCfg configures the progress server.
type ServerCfg struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderCfg{
			"openrouter": {
				Type:      "openrouter",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 60,
				Enabled:   true,
			},
			"openai": {
				Type:    "openai",
				APIKey:  "${OPENAI_API_KEY}",
				Enabled: false,
			},
			"gemini": {
				Type:    "gemini",
				APIKey:  "${GEMINI_API_KEY}",
				Enabled: false,
			},
			"custom": {
				Type:    "openai-compatible",
				BaseURL: "http://localhost:1234/v1",
				APIKey:  "${CUSTOM_API_KEY}",
				Enabled: false,
			},
		},
		Translation: TranslationCfg{
			SourceLanguage:     "Japanese",
			TargetLanguage:     "English",
			ChunkTokens:        7000,
			Tokenizer:          "cl100k_base",
			Temperature:        0.9,
			MaxTokens:          12000,
			TopP:               0.95,
			TimeoutSeconds:     60,
			RetriesPerProvider: 2,
			Fallback: []fallback.Spec{
				{Client: "openrouter", Model: "deepseek/deepseek-v3.2-exp"},
			},
			ContextMode:       true,
			PreviousChapters:  1,
			ConcurrentWorkers: 1,
			TOCBatchSize:      30,
			Breaker: BreakerCfg{
				Failures:        3,
				CooldownSeconds: 60,
			},
		},
		Server: ServerCfg{
			Addr: "127.0.0.1:8321",
		},
	}
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled providers.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// Timeout is the per-attempt provider timeout.
func (t TranslationCfg) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// BreakerConfig converts the breaker settings for the fallback client.
func (t TranslationCfg) BreakerConfig() fallback.BreakerConfig {
	return fallback.BreakerConfig{
		Enabled:  t.Breaker.Enabled,
		Failures: t.Breaker.Failures,
		Cooldown: time.Duration(t.Breaker.CooldownSeconds) * time.Second,
	}
}
