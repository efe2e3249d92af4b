// Package toc builds table-of-contents translation prompts. Entries are
// sent in batches with a short preview of each chapter and come back as
// index-keyed translations.
package toc

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

//go:embed system.tmpl
var systemPrompt string

// SystemKey is the hierarchical key for the TOC system prompt.
const SystemKey = "toc.system"

// PreviewRunes bounds the chapter preview sent with each entry.
const PreviewRunes = 200

// RegisterPrompts registers the TOC prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemKey,
		Text:        systemPrompt,
		Description: "Table of contents translation system prompt",
	})
}

// Item is one TOC entry sent for translation.
type Item struct {
	Index          int    `json:"index"`
	Original       string `json:"original"`
	Href           string `json:"href"`
	Heading        string `json:"heading,omitempty"`
	ContextPreview string `json:"context_preview,omitempty"`
}

// Translation is one translated entry.
type Translation struct {
	Index      int    `json:"index"`
	Translated string `json:"translated"`
}

// ResponseSchema is the JSON schema a batch reply must satisfy.
var ResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "translations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "index": {"type": "integer"},
          "translated": {"type": "string"}
        },
        "required": ["index", "translated"]
      }
    }
  },
  "required": ["translations"]
}`)

// Preview trims chapter text to the first PreviewRunes runes.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == PreviewRunes {
			return text[:i]
		}
		n++
	}
	return text
}

// Builder assembles TOC batch prompts for one book.
type Builder struct {
	resolver       *prompts.Resolver
	bookID         string
	sourceLanguage string
	targetLanguage string
}

// NewBuilder returns a Builder. The resolver must have this package's
// prompts registered.
func NewBuilder(r *prompts.Resolver, bookID, sourceLanguage, targetLanguage string) *Builder {
	if sourceLanguage == "" {
		sourceLanguage = "Japanese"
	}
	if targetLanguage == "" {
		targetLanguage = "English"
	}
	return &Builder{resolver: r, bookID: bookID, sourceLanguage: sourceLanguage, targetLanguage: targetLanguage}
}

// Build returns the system and user messages for one batch. snap, when
// non-nil, contributes the context tables and notes.
func (b *Builder) Build(ctx context.Context, items []Item, snap *contextdb.Snapshot) ([]providers.Message, error) {
	system, err := b.resolver.Render(ctx, SystemKey, b.bookID, map[string]any{
		"SourceLanguage": b.sourceLanguage,
		"TargetLanguage": b.targetLanguage,
	}, nil)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	if snap != nil {
		blocks := contextdb.Render(*snap)
		for _, blk := range blocks.Records() {
			user.WriteString(blk)
			user.WriteString("\n")
		}
		if blocks.Notes != "" {
			user.WriteString(blocks.Notes)
			user.WriteString("\n")
		}
	}
	entries, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode toc batch: %w", err)
	}
	user.WriteString("TOC Entries to Translate:\n")
	user.Write(entries)
	user.WriteString("\n\nProvide translations in JSON format.")

	return []providers.Message{
		{Role: providers.RoleSystem, Content: strings.TrimSpace(system)},
		{Role: providers.RoleUser, Content: user.String()},
	}, nil
}

// Parse decodes and validates a batch reply.
func Parse(raw json.RawMessage) ([]Translation, error) {
	if err := providers.ValidateStructured(ResponseSchema, raw); err != nil {
		return nil, err
	}
	var out struct {
		Translations []Translation `json:"translations"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode toc reply: %w", err)
	}
	return out.Translations, nil
}

// Validate is the fallback client's response validator for TOC batches.
// It returns the normalized JSON so the caller can Parse it again.
func Validate(result *providers.ChatResult) (string, error) {
	raw := result.ParsedJSON
	if len(raw) == 0 {
		parsed, err := providers.ParseStructuredJSON(result.Content)
		if err != nil {
			return "", err
		}
		raw = parsed
	}
	ts, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if len(ts) == 0 {
		return "", errors.New("reply has no translations")
	}
	return string(raw), nil
}
