// Package prompts provides prompt management with embedded defaults and
// file-based overrides.
//
// Embedded .tmpl files in code are the source of truth for defaults. A
// user can override any prompt by dropping a file next to the config:
//
//	<dir>/<key>.tmpl            applies to every book
//	<dir>/<book-id>/<key>.tmpl  applies to one book
//
// Resolution order for a specific book:
//  1. Book override
//  2. Global override
//  3. Embedded default
//
// The hash of the resolved text is recorded with each run so a resumed run
// can tell when the prompt it was started with has changed.
package prompts

import (
	"time"
)

// Override is a prompt text loaded from the override directory.
type Override struct {
	BookID    string    `json:"book_id,omitempty"` // empty for global overrides
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source labels where a resolved prompt came from.
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceGlobal   Source = "global"
	SourceBook     Source = "book"
)

// ResolvedPrompt is the result of resolving a prompt for a specific book.
type ResolvedPrompt struct {
	Key       string   `json:"key"`
	Text      string   `json:"text"`
	Variables []string `json:"variables,omitempty"`
	Source    Source   `json:"source"`
	Hash      string   `json:"hash"`
}

// IsOverride reports whether the text came from an override file.
func (p *ResolvedPrompt) IsOverride() bool {
	return p.Source != SourceEmbedded
}

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: translate.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}
