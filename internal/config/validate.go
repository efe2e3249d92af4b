package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

var providerTypes = map[string]bool{
	providers.TypeOpenRouter: true,
	providers.TypeOpenAI:     true,
	providers.TypeCompatible: true,
	providers.TypeGemini:     true,
}

// Validate checks the settings a run depends on.
func (c *Config) Validate() error {
	var problems []string
	for name, p := range c.Providers {
		if !providerTypes[p.Type] {
			problems = append(problems, fmt.Sprintf("providers.%s.type %q is not one of openrouter, openai, openai-compatible, gemini", name, p.Type))
		}
		if p.Type == providers.TypeCompatible && p.Enabled && p.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("providers.%s.base_url is required for openai-compatible", name))
		}
	}

	t := c.Translation
	if t.ChunkTokens <= 0 {
		problems = append(problems, "translation.chunk_tokens must be positive")
	}
	if t.RetriesPerProvider < 1 {
		problems = append(problems, "translation.retries_per_provider must be at least 1")
	}
	if t.TimeoutSeconds < 0 {
		problems = append(problems, "translation.timeout_seconds must not be negative")
	}
	if t.ConcurrentWorkers < 1 {
		problems = append(problems, "translation.concurrent_workers must be at least 1")
	}
	if t.PreviousChapters < 0 || t.PreviousChunkWindow < 0 {
		problems = append(problems, "translation.previous_chapters and previous_chunk_window must not be negative")
	}
	if t.TOCBatchSize < 1 {
		problems = append(problems, "translation.toc_batch_size must be at least 1")
	}
	if len(t.Fallback) == 0 {
		problems = append(problems, "translation.fallback needs at least one spec")
	}
	for i, s := range t.Fallback {
		if s.Client == "" {
			problems = append(problems, fmt.Sprintf("translation.fallback[%d].client is empty", i))
			continue
		}
		if _, ok := c.Providers[s.Client]; !ok {
			problems = append(problems, fmt.Sprintf("translation.fallback[%d].client %q is not a configured provider", i, s.Client))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func secondsDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ParseSelection parses a chapter selection such as "1-5,8,10-12" into
// indices in the order given, without duplicates. An empty string selects
// nothing, which callers treat as every chapter.
func ParseSelection(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var out []int
	add := func(n int) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || from < 1 {
			return nil, fmt.Errorf("invalid chapter %q in selection %q", part, s)
		}
		to := from
		if isRange {
			to, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || to < from {
				return nil, fmt.Errorf("invalid range %q in selection %q", part, s)
			}
		}
		for n := from; n <= to; n++ {
			add(n)
		}
	}
	return out, nil
}
