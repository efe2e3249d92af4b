package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/epub"
	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
	"github.com/BeetleBonsai798/EpubTranslate/internal/home"
	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/toc"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/translate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
	"github.com/BeetleBonsai798/EpubTranslate/internal/rebuild"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/tokens"
)

// env is the home directory and configuration shared by every command.
type env struct {
	home   *home.Dir
	cfgMgr *config.Manager
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(".env", h.EnvPath()); err != nil {
		return nil, err
	}
	mgr, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	if f := mgr.ConfigFile(); f != "" {
		logger.Debug("config loaded", "file", f)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return &env{home: h, cfgMgr: mgr, logger: logger}, nil
}

func (e *env) cfg() *config.Config {
	return e.cfgMgr.Get()
}

// book is everything needed to translate or rebuild one EPUB. Fields past
// state are set by withProviders.
type book struct {
	*env
	path  string
	id    string
	doc   *epub.Document
	state *runstate.State

	registry *providers.Registry
	calls    *llmcall.Store
	recorder *llmcall.Recorder
	fallback *fallback.Client
	resolver *prompts.Resolver
	context  *contextdb.Store
}

// openBook parses the EPUB and opens its run state. The chapter list is
// registered so status works before the first run.
func openBook(ctx context.Context, e *env, path string) (*book, error) {
	doc, err := epub.Open(path)
	if err != nil {
		return nil, err
	}
	id := home.BookID(path)
	if err := e.home.EnsureBookDir(id); err != nil {
		return nil, err
	}
	logger := e.logger.With("book", id)

	state, err := runstate.Open(ctx, runstate.Config{
		Store:  runstate.NewFileStore(e.home.BookDir(id)),
		BookID: id,
		Source: path,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	metas := make([]runstate.ChapterMeta, 0, len(doc.Chapters))
	for _, ch := range doc.Chapters {
		metas = append(metas, runstate.ChapterMeta{Index: ch.Index, ID: ch.ID, Title: ch.Title, Href: ch.Href})
	}
	if err := state.Register(ctx, metas); err != nil {
		return nil, err
	}

	return &book{
		env:   &env{home: e.home, cfgMgr: e.cfgMgr, logger: logger},
		path:  path,
		id:    id,
		doc:   doc,
		state: state,
	}, nil
}

// withProviders opens the call log, provider registry, fallback client,
// prompts and context store. The registry follows config reloads.
func (b *book) withProviders(ctx context.Context) error {
	cfg := b.cfg()

	b.registry = providers.NewRegistryFromConfig(cfg.ToProviderRegistryConfig())
	b.registry.SetLogger(b.logger)
	b.cfgMgr.OnChange(func(c *config.Config) {
		b.registry.Reload(c.ToProviderRegistryConfig())
		b.logger.Info("provider registry reloaded from config")
	})
	b.cfgMgr.WatchConfig()
	if len(b.registry.List()) == 0 {
		return errors.New("no usable providers: enable one in config.yaml and set its API key")
	}

	calls, err := llmcall.Open(b.home.CallsDBPath(b.id))
	if err != nil {
		return err
	}
	b.calls = calls
	b.recorder = llmcall.NewRecorder(calls, b.logger)

	b.fallback = fallback.New(fallback.Config{
		Resolver: b.registry,
		Recorder: b.recorder,
		Breaker:  cfg.Translation.BreakerConfig(),
		Logger:   b.logger,
	})

	b.resolver = prompts.NewResolver(prompts.NewStore(b.home.PromptsDir(), b.logger), b.logger)
	translate.RegisterPrompts(b.resolver)
	toc.RegisterPrompts(b.resolver)
	fp, err := b.resolver.Fingerprint(ctx, b.id)
	if err != nil {
		return err
	}
	prev, err := b.state.SetPrompts(ctx, fp)
	if err != nil {
		return err
	}
	if prev != "" {
		b.logger.Warn("prompts changed since the last run; earlier chapters were translated with different prompts")
	}

	snap, err := contextdb.Load(b.home.ContextDir(b.id))
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	b.context = contextdb.New(contextdb.Config{
		Persister: contextdb.NewFilePersister(b.home.ContextDir(b.id)),
		Initial:   snap,
		Logger:    b.logger,
	})
	return nil
}

// Close flushes the call log and stops the context store.
func (b *book) Close() {
	if b.context != nil {
		if err := b.context.Close(); err != nil {
			b.logger.Error("close context store", "error", err)
		}
	}
	if b.recorder != nil {
		b.recorder.Close()
	}
	if b.calls != nil {
		b.calls.Close()
	}
}

func (b *book) sampling() providers.Sampling {
	t := b.cfg().Translation
	return providers.Sampling{
		Temperature:      t.Temperature,
		MaxTokens:        t.MaxTokens,
		TopP:             t.TopP,
		TopK:             t.TopK,
		FrequencyPenalty: t.FrequencyPenalty,
	}
}

func (b *book) scheduler() (*jobs.Scheduler, error) {
	t := b.cfg().Translation
	counter, err := tokens.New(t.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("translation.tokenizer: %w", err)
	}

	chapters := make([]jobs.Chapter, 0, len(b.doc.Chapters))
	for _, ch := range b.doc.Chapters {
		chapters = append(chapters, jobs.Chapter{Index: ch.Index, ID: ch.ID, Title: ch.Title, Href: ch.Href, Text: ch.Text})
	}

	return jobs.NewScheduler(jobs.Config{
		BookID:     b.id,
		Chapters:   chapters,
		State:      b.state,
		Context:    b.context,
		Translator: b.fallback,
		Counter:    counter,
		Prompts: translate.NewBuilder(b.resolver, b.id, translate.Options{
			SourceLanguage: t.SourceLanguage,
			TargetLanguage: t.TargetLanguage,
			ContextMode:    t.ContextMode,
			NotesMode:      t.NotesMode,
			PowerSteering:  t.PowerSteering,
		}),
		Options: jobs.Options{
			ChunkTokens:          t.ChunkTokens,
			Concurrency:          t.ConcurrentWorkers,
			ContextMode:          t.ContextMode,
			NotesMode:            t.NotesMode,
			ContextFilter:        t.ContextFilter,
			SendPreviousChapters: t.SendPreviousChapters,
			PreviousChapters:     t.PreviousChapters,
			SendPreviousChunks:   t.SendPreviousChunks,
			PreviousChunkWindow:  t.PreviousChunkWindow,
			Specs:                t.Fallback,
			Retries:              t.RetriesPerProvider,
			Timeout:              t.Timeout(),
			Sampling:             b.sampling(),
		},
		Logger: b.logger,
	})
}

func (b *book) rebuilder() (*rebuild.Rebuilder, error) {
	t := b.cfg().Translation
	language := epub.LanguageTag(t.TargetLanguage)
	if language == "" {
		language = "en"
	}
	cfg := rebuild.Config{
		BookID:    b.id,
		Document:  b.doc,
		State:     b.state,
		Assembler: &rebuild.EPUBAssembler{Source: b.doc, Language: language},
		OutputDir: b.home.BookDir(b.id),
		Options: rebuild.Options{
			BatchSize: t.TOCBatchSize,
			Specs:     t.Fallback,
			Retries:   t.RetriesPerProvider,
			Timeout:   t.Timeout(),
			Sampling:  b.sampling(),
		},
		Logger: b.logger,
	}
	if b.fallback != nil {
		cfg.Translator = b.fallback
		cfg.Prompts = toc.NewBuilder(b.resolver, b.id, t.SourceLanguage, t.TargetLanguage)
		cfg.Context = b.context
	}
	return rebuild.New(cfg)
}
