package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
)

// Resolver resolves prompts with book-level overrides.
// Resolution order: book override > global override > embedded default.
type Resolver struct {
	store    *Store
	embedded map[string]EmbeddedPrompt
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewResolver creates a new prompt resolver. store may be nil, in which
// case only embedded defaults are used.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		embedded: make(map[string]EmbeddedPrompt),
		logger:   logger,
	}
}

// Register registers an embedded prompt.
// Each prompt package calls this from its RegisterPrompts function.
func (r *Resolver) Register(prompt EmbeddedPrompt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prompt.Hash == "" {
		prompt.Hash = HashText(prompt.Text)
	}
	if prompt.Variables == nil {
		prompt.Variables = ExtractVariables(prompt.Text)
	}

	r.embedded[prompt.Key] = prompt
	r.logger.Debug("registered embedded prompt", "key", prompt.Key, "vars", prompt.Variables)
}

// Resolve resolves a prompt for a specific book.
func (r *Resolver) Resolve(ctx context.Context, key string, bookID string) (*ResolvedPrompt, error) {
	r.mu.RLock()
	embedded, ok := r.embedded[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", key)
	}

	if r.store != nil {
		scopes := []struct {
			bookID string
			source Source
		}{{bookID, SourceBook}, {"", SourceGlobal}}
		for _, sc := range scopes {
			if sc.source == SourceBook && bookID == "" {
				continue
			}
			override, err := r.store.Get(ctx, sc.bookID, key)
			if err != nil {
				// Fall through to the next scope.
				r.logger.Warn("failed to check prompt override", "key", key, "book_id", sc.bookID, "error", err)
				continue
			}
			if override != nil {
				return &ResolvedPrompt{
					Key:       key,
					Text:      override.Text,
					Variables: ExtractVariables(override.Text),
					Source:    sc.source,
					Hash:      HashText(override.Text),
				}, nil
			}
		}
	}

	return &ResolvedPrompt{
		Key:       key,
		Text:      embedded.Text,
		Variables: embedded.Variables,
		Source:    SourceEmbedded,
		Hash:      embedded.Hash,
	}, nil
}

// Render resolves key for bookID and executes it with data.
func (r *Resolver) Render(ctx context.Context, key, bookID string, data any, funcs template.FuncMap) (string, error) {
	p, err := r.Resolve(ctx, key, bookID)
	if err != nil {
		return "", err
	}
	return Execute(key, p.Text, data, funcs)
}

// GetEmbedded returns the embedded default for a key (no book resolution).
func (r *Resolver) GetEmbedded(key string) (*EmbeddedPrompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.embedded[key]
	return &p, ok
}

// AllEmbedded returns all registered embedded prompts sorted by key.
func (r *Resolver) AllEmbedded() []EmbeddedPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]EmbeddedPrompt, 0, len(r.embedded))
	for _, p := range r.embedded {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Fingerprint hashes the resolved text of every registered prompt for
// bookID. A run records it so a resume can warn when prompts changed.
func (r *Resolver) Fingerprint(ctx context.Context, bookID string) (string, error) {
	var all string
	for _, p := range r.AllEmbedded() {
		resolved, err := r.Resolve(ctx, p.Key, bookID)
		if err != nil {
			return "", err
		}
		all += p.Key + "=" + resolved.Hash + ";"
	}
	return HashText(all)[:16], nil
}
