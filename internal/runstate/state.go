package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/chunker"
	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
)

// ChapterMeta identifies a chapter of the source document.
type ChapterMeta struct {
	Index int
	ID    string
	Title string
	Href  string
}

// ChunkResult describes how a chunk was translated.
type ChunkResult struct {
	Spec        string
	Model       string
	Upstream    string
	Attempts    []AttemptRecord
	ContextKeys map[string][]string
}

// Config configures Open.
type Config struct {
	Store  Store
	BookID string
	Source string

	// Now overrides the clock for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// State is the live run state of one book. It is safe for concurrent use;
// every read-modify-write holds the state lock and is persisted before the
// lock is released.
type State struct {
	mu     sync.Mutex
	store  Store
	m      *Manifest
	now    func() time.Time
	logger *slog.Logger
}

// Open loads the manifest from the store, or creates a new one. A loaded
// manifest is normalized: chapters left in progress by an unclean
// shutdown become pending again, keeping their completed chunks.
func Open(ctx context.Context, cfg Config) (*State, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runstate: store is required")
	}
	s := &State{store: cfg.Store, now: cfg.Now, logger: cfg.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	m, err := cfg.Store.LoadManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}

	if m == nil {
		now := s.now()
		s.m = &Manifest{
			Version:   Version,
			BookID:    cfg.BookID,
			Source:    cfg.Source,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.save(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	if m.Version != Version {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrUnsupportedVersion, m.Version, Version)
	}
	if cfg.BookID != "" && m.BookID != cfg.BookID {
		return nil, fmt.Errorf("run state belongs to book %q, not %q", m.BookID, cfg.BookID)
	}
	sort.Slice(m.Chapters, func(i, j int) bool { return m.Chapters[i].Index < m.Chapters[j].Index })
	s.m = m

	if m.normalize() {
		s.logger.Info("recovered run state after unclean shutdown", "book_id", m.BookID)
		if err := s.save(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// save persists the manifest. It ignores cancellation of ctx: a stop
// request must never leave a completed chunk unrecorded.
func (s *State) save(ctx context.Context) error {
	s.m.UpdatedAt = s.now()
	if err := s.store.SaveManifest(context.WithoutCancel(ctx), s.m); err != nil {
		return fmt.Errorf("save run state: %w: %w", errdefs.ErrPersistence, err)
	}
	return nil
}

// mutate applies fn to one chapter and persists the result. If fn or the
// save fails the chapter is restored, so memory never runs ahead of disk.
func (s *State) mutate(ctx context.Context, index int, fn func(c *Chapter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m.chapter(index)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChapter, index)
	}
	backup := c.clone()
	if err := fn(c); err != nil {
		*c = *backup
		return err
	}
	c.UpdatedAt = s.now()
	if err := s.save(ctx); err != nil {
		*c = *backup
		return err
	}
	return nil
}

// Manifest returns a deep copy of the current manifest.
func (s *State) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.clone()
}

// BookID returns the book the state belongs to.
func (s *State) BookID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.BookID
}

// Chapter returns a copy of one chapter's state.
func (s *State) Chapter(index int) (*Chapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.m.chapter(index)
	if c == nil {
		return nil, false
	}
	return c.clone(), true
}

// Summary counts chapters and chunks by status.
func (s *State) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.summary()
}

// Register adds chapters missing from the manifest as pending and
// refreshes the metadata of known ones.
func (s *State) Register(ctx context.Context, metas []ChapterMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, meta := range metas {
		c := s.m.chapter(meta.Index)
		if c == nil {
			s.m.Chapters = append(s.m.Chapters, &Chapter{
				Index:     meta.Index,
				ID:        meta.ID,
				Title:     meta.Title,
				Href:      meta.Href,
				Status:    Pending,
				UpdatedAt: s.now(),
			})
			changed = true
			continue
		}
		if c.ID != meta.ID || c.Title != meta.Title || c.Href != meta.Href {
			c.ID, c.Title, c.Href = meta.ID, meta.Title, meta.Href
			changed = true
		}
	}
	if !changed {
		return nil
	}
	sort.Slice(s.m.Chapters, func(i, j int) bool { return s.m.Chapters[i].Index < s.m.Chapters[j].Index })
	return s.save(ctx)
}

// SetPrompts records the prompt fingerprint. It returns the previous
// value when it differs, so callers can warn about a mid-book change.
func (s *State) SetPrompts(ctx context.Context, fingerprint string) (previous string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Prompts == fingerprint {
		return "", nil
	}
	previous = s.m.Prompts
	s.m.Prompts = fingerprint
	return previous, s.save(ctx)
}

func planChunks(chunks []chunker.Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = Chunk{
			Ordinal: c.Ordinal,
			Start:   c.Start,
			End:     c.End,
			Hash:    c.Hash,
			Tokens:  c.Tokens,
			Status:  Pending,
		}
	}
	return out
}

// ReconcilePlan compares a freshly computed chunk plan with the persisted
// one. A chapter without a plan, or without any completed chunk, simply
// adopts the new plan. If completed chunks were cut with different
// boundaries the result is errdefs.ErrChunkPlanMismatch and the caller
// restarts the chapter with ResetPlan.
func (s *State) ReconcilePlan(ctx context.Context, index, maxTokens int, chunks []chunker.Chunk) error {
	plan := chunker.Fingerprint(maxTokens, chunks)

	s.mu.Lock()
	c := s.m.chapter(index)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChapter, index)
	}
	same := c.Plan == plan && len(c.Chunks) == len(chunks)
	mismatch := !same && c.Plan != "" && c.Cursor() > 0
	have := c.Plan
	s.mu.Unlock()

	switch {
	case same:
		return nil
	case mismatch:
		return fmt.Errorf("chapter %d: %w: persisted plan %s, computed %s", index, errdefs.ErrChunkPlanMismatch, have, plan)
	default:
		return s.mutate(ctx, index, func(c *Chapter) error {
			c.Plan = plan
			c.MaxTokens = maxTokens
			c.Chunks = planChunks(chunks)
			return nil
		})
	}
}

// ResetPlan discards a chapter's chunk outputs and adopts a new plan.
func (s *State) ResetPlan(ctx context.Context, index, maxTokens int, chunks []chunker.Chunk) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if err := s.store.RemoveChunks(context.WithoutCancel(ctx), index); err != nil {
			return fmt.Errorf("remove chunks of chapter %d: %w: %w", index, errdefs.ErrPersistence, err)
		}
		c.Plan = chunker.Fingerprint(maxTokens, chunks)
		c.MaxTokens = maxTokens
		c.Chunks = planChunks(chunks)
		c.Output = ""
		c.Restarts++
		return nil
	})
}

// Start moves a chapter from pending to in progress.
func (s *State) Start(ctx context.Context, index int) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if err := checkTransition(c.Status, InProgress); err != nil {
			return fmt.Errorf("chapter %d: %w", index, err)
		}
		c.Status = InProgress
		c.Error, c.ErrorKind = "", ""
		return nil
	})
}

// BeginChunk marks the next chunk of an in-progress chapter as in flight.
// Only the chunk at the chapter's cursor may begin, and only once.
func (s *State) BeginChunk(index, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m.chapter(index)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChapter, index)
	}
	if c.Status != InProgress {
		return fmt.Errorf("chapter %d is %s: %w", index, c.Status, ErrInvalidTransition)
	}
	if ordinal != c.Cursor() || ordinal >= len(c.Chunks) {
		return fmt.Errorf("%w: chunk %d of chapter %d, cursor at %d", ErrChunkOrder, ordinal, index, c.Cursor())
	}
	ch := &c.Chunks[ordinal]
	if ch.Status == InProgress {
		return fmt.Errorf("%w: chunk %d of chapter %d already in flight", ErrChunkOrder, ordinal, index)
	}
	ch.Status = InProgress
	ch.Error = ""
	return nil
}

// CompleteChunk writes a chunk translation and then marks the chunk
// completed in the manifest. The chunk must have been begun.
func (s *State) CompleteChunk(ctx context.Context, index, ordinal int, text string, res ChunkResult) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if ordinal < 0 || ordinal >= len(c.Chunks) || c.Chunks[ordinal].Status != InProgress {
			return fmt.Errorf("%w: chunk %d of chapter %d was not begun", ErrChunkOrder, ordinal, index)
		}
		path, err := s.store.WriteChunk(context.WithoutCancel(ctx), index, ordinal, text)
		if err != nil {
			return fmt.Errorf("write chunk %d/%d: %w: %w", index, ordinal, errdefs.ErrPersistence, err)
		}
		now := s.now()
		ch := &c.Chunks[ordinal]
		ch.Status = Completed
		ch.Output = path
		ch.Spec = res.Spec
		ch.Model = res.Model
		ch.Upstream = res.Upstream
		ch.Attempts = res.Attempts
		ch.ContextKeys = res.ContextKeys
		ch.Error = ""
		ch.CompletedAt = &now
		return nil
	})
}

// FailChunk records a terminal chunk failure and fails its chapter. A
// chapter is never left partially completed around a failed chunk.
func (s *State) FailChunk(ctx context.Context, index, ordinal int, cause error, attempts []AttemptRecord) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if err := checkTransition(c.Status, Failed); err != nil {
			return fmt.Errorf("chapter %d: %w", index, err)
		}
		if ordinal >= 0 && ordinal < len(c.Chunks) {
			ch := &c.Chunks[ordinal]
			ch.Status = Failed
			ch.Error = cause.Error()
			ch.Attempts = attempts
		}
		c.Status = Failed
		c.Error = cause.Error()
		c.ErrorKind = errdefs.Kind(cause)
		return nil
	})
}

// FailChapter fails an in-progress chapter for a reason not tied to a
// chunk, such as an unreadable source.
func (s *State) FailChapter(ctx context.Context, index int, cause error) error {
	return s.FailChunk(ctx, index, -1, cause, nil)
}

// Interrupt returns an in-progress chapter to pending after its worker
// stopped early, the same repair Open applies after an unclean shutdown.
// Completed chunks are kept.
func (s *State) Interrupt(ctx context.Context, index int) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if c.Status != InProgress {
			return nil
		}
		c.Status = Pending
		for i := range c.Chunks {
			if c.Chunks[i].Status == InProgress {
				c.Chunks[i].Status = Pending
			}
		}
		return nil
	})
}

// CompleteChapter writes the assembled chapter translation and marks the
// chapter completed. Every chunk must already be completed.
func (s *State) CompleteChapter(ctx context.Context, index int, text string) error {
	return s.mutate(ctx, index, func(c *Chapter) error {
		if !c.Done() {
			return fmt.Errorf("%w: chapter %d has %d of %d chunks completed", ErrChunkOrder, index, c.Cursor(), len(c.Chunks))
		}
		if err := checkTransition(c.Status, Completed); err != nil {
			return fmt.Errorf("chapter %d: %w", index, err)
		}
		path, err := s.store.WriteChapter(context.WithoutCancel(ctx), index, text)
		if err != nil {
			return fmt.Errorf("write chapter %d: %w: %w", index, errdefs.ErrPersistence, err)
		}
		c.Output = path
		c.Status = Completed
		return nil
	})
}

// ChunkTexts returns the stored translations of a chapter's completed
// chunks, in order.
func (s *State) ChunkTexts(ctx context.Context, index int) ([]string, error) {
	c, ok := s.Chapter(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChapter, index)
	}
	n := c.Cursor()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		text, err := s.store.ReadChunk(ctx, index, i)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, nil
}

// ChapterText returns a completed chapter's assembled translation.
func (s *State) ChapterText(ctx context.Context, index int) (string, error) {
	c, ok := s.Chapter(index)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownChapter, index)
	}
	if c.Status != Completed {
		return "", fmt.Errorf("chapter %d is %s, not completed", index, c.Status)
	}
	return s.store.ReadChapter(ctx, index)
}

// JoinTranslations assembles chunk translations into chapter text, one
// blank line between chunks.
func JoinTranslations(parts []string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, "\n\n")
}

// Retry moves failed chapters back to pending. Completed chunks are kept;
// the failed chunk becomes pending again. With no indices every failed
// chapter is retried. It returns the chapters that changed.
func (s *State) Retry(ctx context.Context, indices []int) ([]int, error) {
	targets, err := s.targets(indices, func(c *Chapter) bool { return c.Status == Failed })
	if err != nil {
		return nil, err
	}
	for _, idx := range targets {
		err := s.mutate(ctx, idx, func(c *Chapter) error {
			if err := checkTransition(c.Status, Pending); err != nil {
				return fmt.Errorf("chapter %d: %w", idx, err)
			}
			c.Status = Pending
			c.Error, c.ErrorKind = "", ""
			for i := range c.Chunks {
				if c.Chunks[i].Status == Failed {
					c.Chunks[i].Status = Pending
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// Reset discards all progress of the given chapters, including completed
// ones, and makes them pending with no plan. In-progress chapters are
// rejected.
func (s *State) Reset(ctx context.Context, indices []int) error {
	for _, idx := range indices {
		err := s.mutate(ctx, idx, func(c *Chapter) error {
			if c.Status == InProgress {
				return fmt.Errorf("chapter %d is in progress: %w", idx, ErrInvalidTransition)
			}
			if err := s.store.RemoveChunks(context.WithoutCancel(ctx), idx); err != nil {
				return fmt.Errorf("remove chunks of chapter %d: %w: %w", idx, errdefs.ErrPersistence, err)
			}
			c.Status = Pending
			c.Plan, c.MaxTokens, c.Chunks, c.Output = "", 0, nil, ""
			c.Error, c.ErrorKind = "", ""
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// targets resolves explicit indices, or every chapter matching keep.
func (s *State) targets(indices []int, keep func(*Chapter) bool) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(indices) == 0 {
		var out []int
		for _, c := range s.m.Chapters {
			if keep(c) {
				out = append(out, c.Index)
			}
		}
		return out, nil
	}
	var out []int
	for _, idx := range indices {
		c := s.m.chapter(idx)
		if c == nil {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChapter, idx)
		}
		if keep(c) {
			out = append(out, idx)
		}
	}
	return out, nil
}

// Incomplete returns the indices among selection that are not completed.
// An empty selection means every chapter.
func (s *State) Incomplete(selection []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	check := func(idx int) {
		c := s.m.chapter(idx)
		if c == nil || c.Status != Completed {
			out = append(out, idx)
		}
	}
	if len(selection) == 0 {
		for _, c := range s.m.Chapters {
			check(c.Index)
		}
		return out
	}
	for _, idx := range selection {
		check(idx)
	}
	return out
}
