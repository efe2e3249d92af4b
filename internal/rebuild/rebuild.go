// Package rebuild assembles a translated EPUB from completed chapters.
//
// A rebuild checks that every selected chapter is completed, translates
// the table of contents in batches through the fallback client, and hands
// the ordered sections to an Assembler. Nothing is written when the
// precondition fails.
package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/epub"
	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/toc"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

// PurposeTOC labels TOC batch calls in the call log.
const PurposeTOC = "toc"

// DefaultBatchSize is the number of TOC entries per request.
const DefaultBatchSize = 30

// Translator sends one request through the provider chain.
// *fallback.Client implements it.
type Translator interface {
	Translate(ctx context.Context, req *fallback.Request) (*fallback.Result, error)
}

// Snapshotter supplies the context tables sent with TOC batches.
type Snapshotter interface {
	Snapshot(ctx context.Context) (contextdb.Snapshot, error)
}

// Options configure TOC translation.
type Options struct {
	BatchSize int
	Specs     []fallback.Spec
	Retries   int
	Timeout   time.Duration
	Sampling  providers.Sampling
}

// Config configures a Rebuilder.
type Config struct {
	BookID    string
	Document  *epub.Document
	State     *runstate.State
	Assembler Assembler
	OutputDir string

	// Translator and Prompts are optional. Without them the source TOC
	// titles are kept.
	Translator Translator
	Prompts    *toc.Builder
	Context    Snapshotter

	Options Options
	Logger  *slog.Logger
}

// Rebuilder turns a completed run into an output book.
type Rebuilder struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Rebuilder.
func New(cfg Config) (*Rebuilder, error) {
	if cfg.Document == nil {
		return nil, errors.New("rebuild: document is required")
	}
	if cfg.State == nil {
		return nil, errors.New("rebuild: state is required")
	}
	if cfg.Assembler == nil {
		return nil, errors.New("rebuild: assembler is required")
	}
	if cfg.Translator != nil && cfg.Prompts == nil {
		return nil, errors.New("rebuild: toc prompts are required with a translator")
	}
	if cfg.Options.BatchSize <= 0 {
		cfg.Options.BatchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{cfg: cfg, logger: logger.With("book", cfg.BookID)}, nil
}

// OutputPath is where Rebuild writes the book.
func (r *Rebuilder) OutputPath() string {
	return filepath.Join(r.cfg.OutputDir, r.cfg.BookID+"_translated.epub")
}

// Rebuild writes the translated book for selection (every chapter when
// empty) and returns its path.
func (r *Rebuilder) Rebuild(ctx context.Context, selection []int) (string, error) {
	if len(selection) == 0 {
		for _, ch := range r.cfg.Document.Chapters {
			selection = append(selection, ch.Index)
		}
	}
	for _, idx := range selection {
		if _, ok := r.cfg.Document.Chapter(idx); !ok {
			return "", fmt.Errorf("%w: %d", runstate.ErrUnknownChapter, idx)
		}
	}
	if missing := r.cfg.State.Incomplete(selection); len(missing) > 0 {
		return "", fmt.Errorf("%w: chapters %s are not completed", errdefs.ErrRebuildPrecondition, joinInts(missing))
	}

	sections := make([]Section, 0, len(selection))
	texts := make(map[string]string, len(selection)) // href -> translated text
	for _, idx := range selection {
		text, err := r.cfg.State.ChapterText(ctx, idx)
		if err != nil {
			return "", fmt.Errorf("read chapter %d: %w", idx, err)
		}
		ch, _ := r.cfg.Document.Chapter(idx)
		sections = append(sections, Section{Index: idx, Href: ch.Href, Title: ch.Title, Text: text})
		texts[ch.Href] = text
	}

	entries, err := r.translateTOC(ctx, texts)
	if err != nil {
		return "", err
	}
	for i := range sections {
		sections[i].Title = sectionTitle(sections[i], entries)
	}

	out := r.OutputPath()
	r.logger.Info("assembling book", "chapters", len(sections), "toc_entries", len(entries), "path", out)
	if err := r.cfg.Assembler.Assemble(ctx, sections, entries, out); err != nil {
		return "", fmt.Errorf("assemble %s: %w", out, err)
	}
	return out, nil
}

// sectionTitle prefers the translated TOC title of the chapter file, then
// the first heading of the translation, then the source title.
func sectionTitle(s Section, entries []epub.TOCEntry) string {
	for _, e := range entries {
		if e.File() == s.Href && e.Title != "" {
			return e.Title
		}
	}
	if h, _ := headingAndPreview(s.Text); h != "" {
		return h
	}
	return s.Title
}

// translateTOC returns the source TOC with translated titles. A batch that
// fails keeps its source titles.
func (r *Rebuilder) translateTOC(ctx context.Context, texts map[string]string) ([]epub.TOCEntry, error) {
	entries := append([]epub.TOCEntry(nil), r.cfg.Document.TOC...)
	if r.cfg.Translator == nil || len(entries) == 0 {
		return entries, nil
	}

	var snap *contextdb.Snapshot
	if r.cfg.Context != nil {
		s, err := r.cfg.Context.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("context snapshot: %w", err)
		}
		snap = &s
	}

	size := r.cfg.Options.BatchSize
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		items := make([]toc.Item, 0, end-start)
		for i := start; i < end; i++ {
			item := toc.Item{Index: i, Original: entries[i].Title, Href: entries[i].Href}
			if text, ok := texts[entries[i].File()]; ok {
				item.Heading, item.ContextPreview = headingAndPreview(text)
			}
			items = append(items, item)
		}

		translations, err := r.translateBatch(ctx, items, snap)
		if errors.Is(err, fallback.ErrStopped) {
			return nil, err
		}
		if err != nil {
			r.logger.Warn("toc batch failed, keeping source titles",
				"from", start+1, "to", end, "error", err)
			continue
		}
		for _, t := range translations {
			if t.Index < start || t.Index >= end || strings.TrimSpace(t.Translated) == "" {
				continue
			}
			entries[t.Index].Title = strings.TrimSpace(t.Translated)
		}
		r.logger.Info("toc batch translated", "from", start+1, "to", end, "of", len(entries))
	}
	return entries, nil
}

func (r *Rebuilder) translateBatch(ctx context.Context, items []toc.Item, snap *contextdb.Snapshot) ([]toc.Translation, error) {
	msgs, err := r.cfg.Prompts.Build(ctx, items, snap)
	if err != nil {
		return nil, err
	}
	opts := r.cfg.Options
	res, err := r.cfg.Translator.Translate(ctx, &fallback.Request{
		Messages:       msgs,
		Sampling:       opts.Sampling,
		ResponseFormat: providers.JSONObject,
		Specs:          opts.Specs,
		Retries:        opts.Retries,
		Timeout:        opts.Timeout,
		Validate:       toc.Validate,
		Record:         llmcall.RecordOptions{BookID: r.cfg.BookID, Chunk: -1, Purpose: PurposeTOC},
	})
	if err != nil {
		return nil, err
	}
	return toc.Parse(json.RawMessage(res.Text))
}

// headingAndPreview returns the first heading of chapter markdown and up
// to three paragraphs after it, trimmed to toc.PreviewRunes.
func headingAndPreview(text string) (string, string) {
	var heading string
	var paras []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if strings.HasPrefix(block, "#") {
			if heading == "" && len(paras) == 0 {
				heading = strings.TrimSpace(strings.TrimLeft(block, "#"))
			}
			continue
		}
		if block == "---" || strings.HasPrefix(block, "![") {
			continue
		}
		paras = append(paras, block)
		if len(paras) == 3 {
			break
		}
	}
	return heading, toc.Preview(strings.Join(paras, "\n"))
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
