package translate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// Options are the prompt toggles for one book.
type Options struct {
	SourceLanguage string
	TargetLanguage string

	// ContextMode sends the character/place/term tables and asks for
	// updates.
	ContextMode bool

	// NotesMode sends the notes and asks for note operations.
	NotesMode bool

	// PowerSteering places the rules and format block in the final user
	// instruction instead of the system message.
	PowerSteering bool
}

// PreviousChapter is an earlier, already translated chapter sent for
// context.
type PreviousChapter struct {
	Number     int
	Original   string
	Translated string
}

// PreviousChunk is an earlier chunk of the current chapter.
type PreviousChunk struct {
	Original   string
	Translated string
}

// Input is everything needed to build the messages for one chunk.
type Input struct {
	Chunk string

	// Context is the (possibly filtered) snapshot. Records are sent only
	// in context mode, notes only in notes mode.
	Context *contextdb.Snapshot

	PreviousChapters []PreviousChapter
	PreviousChunks   []PreviousChunk
}

// Builder assembles chunk prompts for one book.
type Builder struct {
	resolver *prompts.Resolver
	bookID   string
	opts     Options
}

// NewBuilder returns a Builder. The resolver must have the prompts of this
// package registered.
func NewBuilder(r *prompts.Resolver, bookID string, opts Options) *Builder {
	if opts.SourceLanguage == "" {
		opts.SourceLanguage = "Japanese"
	}
	if opts.TargetLanguage == "" {
		opts.TargetLanguage = "English"
	}
	return &Builder{resolver: r, bookID: bookID, opts: opts}
}

// Options returns the toggles the builder was created with.
func (b *Builder) Options() Options {
	return b.opts
}

// Build returns the chat messages for one chunk, in this order: system,
// context tables, notes, previous chapters, previous chunks, the chunk,
// the instruction.
func (b *Builder) Build(ctx context.Context, in Input) ([]providers.Message, error) {
	langs := map[string]any{
		"SourceLanguage": b.opts.SourceLanguage,
		"TargetLanguage": b.opts.TargetLanguage,
	}

	system, err := b.resolver.Render(ctx, SystemKey, b.bookID, langs, nil)
	if err != nil {
		return nil, err
	}

	n := 0
	rules, err := b.resolver.Render(ctx, RulesKey, b.bookID, map[string]any{
		"ContextMode":    b.opts.ContextMode,
		"NotesMode":      b.opts.NotesMode,
		"TargetLanguage": b.opts.TargetLanguage,
	}, template.FuncMap{"step": func() string { n++; return strconv.Itoa(n) }})
	if err != nil {
		return nil, err
	}
	rules = strings.TrimSpace(rules)
	format := formatBlock(b.opts.ContextMode, b.opts.NotesMode)

	instruction, err := b.resolver.Render(ctx, InstructionKey, b.bookID, map[string]any{
		"SourceLanguage": b.opts.SourceLanguage,
		"TargetLanguage": b.opts.TargetLanguage,
		"Inline":         b.opts.PowerSteering,
		"Rules":          rules,
		"Format":         format,
	}, nil)
	if err != nil {
		return nil, err
	}

	system = strings.TrimSpace(system)
	if !b.opts.PowerSteering {
		system += "\n\nALWAYS list in this EXACT ORDER:\n" + rules + "\n\n" + format
	}

	msgs := []providers.Message{{Role: providers.RoleSystem, Content: system}}

	if in.Context != nil {
		blocks := contextdb.Render(*in.Context)
		if b.opts.ContextMode {
			for _, blk := range blocks.Records() {
				msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: blk})
			}
		}
		if b.opts.NotesMode && blocks.Notes != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: blocks.Notes})
		}
	}

	for _, pc := range in.PreviousChapters {
		msgs = append(msgs,
			providers.Message{
				Role:    providers.RoleUser,
				Content: fmt.Sprintf("PREVIOUS CHAPTER %d (for context only):\n%s", pc.Number, pc.Original),
			},
			providers.Message{Role: providers.RoleAssistant, Content: assistantReply(pc.Translated)},
		)
	}
	for _, pc := range in.PreviousChunks {
		msgs = append(msgs,
			providers.Message{Role: providers.RoleUser, Content: "CURRENT CHAPTER - PREVIOUS PART:\n" + pc.Original},
			providers.Message{Role: providers.RoleAssistant, Content: assistantReply(pc.Translated)},
		)
	}

	msgs = append(msgs,
		providers.Message{
			Role:    providers.RoleUser,
			Content: "CURRENT CHAPTER - TEXT TO TRANSLATE:\n```[START]\n" + in.Chunk + "\n```[END]",
		},
		providers.Message{Role: providers.RoleUser, Content: strings.TrimSpace(instruction)},
	)
	return msgs, nil
}
