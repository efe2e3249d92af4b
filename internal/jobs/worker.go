package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/chunker"
	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/translate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

// PurposeTranslate labels chunk calls in the call log.
const PurposeTranslate = "translate"

// worker translates one chapter.
type worker struct {
	run     *Run
	num     int
	chapter Chapter
	logger  *slog.Logger
}

// process runs the chapter to completion, failure, or interruption. Only
// fatal errors (persistence) are returned; everything else is recorded in
// the run state and reported as events.
func (w *worker) process(ctx context.Context) error {
	s := w.run.s
	state := s.cfg.State
	idx := w.chapter.Index

	chunks, err := chunker.Split(w.chapter.Text, s.cfg.Options.ChunkTokens, s.counter)
	if err != nil {
		return w.failChapter(ctx, err)
	}

	err = state.ReconcilePlan(ctx, idx, s.cfg.Options.ChunkTokens, chunks)
	if errors.Is(err, errdefs.ErrChunkPlanMismatch) {
		w.logger.Warn("chunk plan changed, restarting chapter", "error", err)
		if err := state.ResetPlan(ctx, idx, s.cfg.Options.ChunkTokens, chunks); err != nil {
			return err
		}
		w.emit(Event{Type: ChapterRestarted, Chunk: -1, Chunks: len(chunks), Error: err.Error(), ErrorKind: errdefs.Kind(err)})
	} else if err != nil {
		return err
	}

	if err := state.Start(ctx, idx); err != nil {
		if errors.Is(err, errdefs.ErrPersistence) {
			return err
		}
		w.logger.Warn("chapter not startable", "error", err)
		return nil
	}

	st, _ := state.Chapter(idx)
	cursor := st.Cursor()
	done, err := state.ChunkTexts(ctx, idx)
	if err != nil {
		// Completed chunk artifacts are missing; the chapter cannot resume.
		return w.failChapter(ctx, fmt.Errorf("reload completed chunks: %w", err))
	}

	w.logger.Info("chapter started", "chunks", len(chunks), "resumed", cursor)
	w.emit(Event{Type: ChapterStarted, Chunk: -1, Chunks: len(chunks), Resumed: cursor})

	prevChapters := w.previousChapters(ctx)

	for ord := cursor; ord < len(chunks); ord++ {
		if w.run.stopped(ctx) {
			return w.interrupt(ctx, ord)
		}
		w.run.setWorker(w.num, &WorkerStatus{Chapter: idx, Title: w.chapter.Title, Chunk: ord, Chunks: len(chunks), Since: time.Now()})

		text, stop, err := w.translateChunk(ctx, chunks, ord, done, prevChapters)
		if err != nil {
			return err
		}
		if stop {
			return w.interrupt(ctx, ord)
		}
		if text == "" {
			// Terminal chunk failure, already recorded.
			return nil
		}
		done = append(done, text)
	}

	if err := state.CompleteChapter(ctx, idx, runstate.JoinTranslations(done)); err != nil {
		return err
	}
	w.logger.Info("chapter completed", "chunks", len(chunks))
	w.emit(Event{Type: ChapterCompleted, Chunk: -1, Chunks: len(chunks)})
	return nil
}

// translateChunk sends one chunk and persists the result. It returns the
// translation, or stop=true when the run was stopped before the chunk
// succeeded, or an empty translation after a recorded terminal failure.
func (w *worker) translateChunk(ctx context.Context, chunks []chunker.Chunk, ord int, done []string, prevChapters []translate.PreviousChapter) (string, bool, error) {
	s := w.run.s
	opts := s.cfg.Options
	state := s.cfg.State
	idx := w.chapter.Index
	chunk := chunks[ord]
	logger := w.logger.With("chunk", ord)

	if err := state.BeginChunk(idx, ord); err != nil {
		return "", false, fmt.Errorf("chapter %d: %w", idx, err)
	}
	w.emit(Event{Type: ChunkStarted, Chunk: ord, Chunks: len(chunks)})

	in := translate.Input{
		Chunk:            chunk.Text,
		PreviousChapters: prevChapters,
		PreviousChunks:   previousChunks(chunks, done, ord, opts),
	}
	var sent map[string][]string
	if opts.ContextMode || opts.NotesMode {
		snap, err := s.cfg.Context.Snapshot(context.WithoutCancel(ctx))
		if err != nil {
			return "", false, err
		}
		if opts.ContextFilter {
			snap = contextdb.Filter(snap, chunk.Text)
		}
		in.Context = &snap
		if opts.ContextMode {
			sent = contextKeys(snap)
		}
	}

	msgs, err := s.cfg.Prompts.Build(ctx, in)
	if err != nil {
		return "", false, w.failChunk(ctx, ord, err, nil)
	}

	req := &fallback.Request{
		Messages:       msgs,
		Sampling:       opts.Sampling,
		ResponseFormat: translate.ResponseFormat(),
		Specs:          opts.Specs,
		Retries:        opts.Retries,
		Timeout:        opts.Timeout,
		Validate:       translate.Validate,
		OnDelta: func(delta string) {
			w.emit(Event{Type: ChunkDelta, Chunk: ord, Delta: delta})
		},
		OnAttemptFailed: func(a fallback.Attempt) {
			logger.Warn("attempt failed", "spec", a.Spec.String(), "attempt", a.Number, "skipped", a.Skipped, "error", a.Error)
			w.emit(Event{Type: AttemptFailed, Chunk: ord, Spec: a.Spec.String(), Attempt: a.Number, Error: a.Error, ErrorKind: errdefs.Kind(a.Err)})
		},
		Record: llmcall.RecordOptions{
			BookID:  s.cfg.BookID,
			Chapter: idx,
			Chunk:   ord,
			Purpose: PurposeTranslate,
		},
	}

	res, err := s.cfg.Translator.Translate(ctx, req)
	if errors.Is(err, fallback.ErrStopped) {
		return "", true, nil
	}
	if err != nil {
		var ex *fallback.ExhaustedError
		var attempts []fallback.Attempt
		if errors.As(err, &ex) {
			attempts = ex.Attempts
		}
		return "", false, w.failChunk(ctx, ord, err, attempts)
	}

	resp, err := translate.Decode(res.Chat)
	if err != nil {
		return "", false, w.failChunk(ctx, ord, fmt.Errorf("%w: %v", errdefs.ErrMalformedResponse, err), res.Attempts)
	}

	// Merges run to completion even when stopping so the reply is never
	// half applied.
	mctx := context.WithoutCancel(ctx)
	if opts.ContextMode && !resp.Update.Empty() {
		stats, err := s.cfg.Context.Merge(mctx, resp.Update)
		if err != nil {
			return "", false, err
		}
		if stats.Changed() {
			w.emit(Event{Type: ContextUpdated, Chunk: ord, Context: &stats})
		}
	}
	if opts.NotesMode && len(resp.Notes) > 0 {
		changed, err := s.cfg.Context.ApplyNotes(mctx, resp.Notes)
		if err != nil {
			return "", false, err
		}
		if changed {
			w.emit(Event{Type: ContextUpdated, Chunk: ord, Notes: true})
		}
	}

	result := runstate.ChunkResult{
		Spec:        res.Spec.String(),
		Model:       res.Spec.Model,
		Attempts:    attemptRecords(res.Attempts),
		ContextKeys: sent,
	}
	if res.Chat != nil {
		if res.Chat.ModelUsed != "" {
			result.Model = res.Chat.ModelUsed
		}
		if res.Chat.Provider != res.Spec.Client {
			result.Upstream = res.Chat.Provider
		}
	}
	if err := state.CompleteChunk(ctx, idx, ord, res.Text, result); err != nil {
		return "", false, err
	}

	logger.Debug("chunk completed", "spec", result.Spec, "attempts", len(res.Attempts))
	w.emit(Event{Type: ChunkCompleted, Chunk: ord, Chunks: len(chunks), Text: res.Text, Spec: result.Spec})
	return res.Text, false, nil
}

// failChunk records a terminal chunk failure. Only a persistence error is
// returned.
func (w *worker) failChunk(ctx context.Context, ord int, cause error, attempts []fallback.Attempt) error {
	idx := w.chapter.Index
	if err := w.run.s.cfg.State.FailChunk(ctx, idx, ord, cause, attemptRecords(attempts)); err != nil {
		return err
	}
	w.logger.Error("chapter failed", "chunk", ord, "error", cause)
	w.emit(Event{Type: ChapterFailed, Chunk: ord, Error: cause.Error(), ErrorKind: errdefs.Kind(cause)})
	return nil
}

// failChapter starts the chapter if needed and fails it.
func (w *worker) failChapter(ctx context.Context, cause error) error {
	state := w.run.s.cfg.State
	idx := w.chapter.Index
	if st, _ := state.Chapter(idx); st != nil && st.Status == runstate.Pending {
		if err := state.Start(ctx, idx); err != nil {
			return err
		}
	}
	if err := state.FailChapter(ctx, idx, cause); err != nil {
		return err
	}
	w.logger.Error("chapter failed", "error", cause)
	w.emit(Event{Type: ChapterFailed, Chunk: -1, Error: cause.Error(), ErrorKind: errdefs.Kind(cause)})
	return nil
}

// interrupt leaves the chapter pending with its completed chunks intact.
func (w *worker) interrupt(ctx context.Context, ord int) error {
	if err := w.run.s.cfg.State.Interrupt(ctx, w.chapter.Index); err != nil {
		return err
	}
	w.logger.Info("chapter interrupted", "next_chunk", ord)
	w.emit(Event{Type: ChapterInterrupted, Chunk: ord})
	return nil
}

func (w *worker) emit(ev Event) {
	ev.Worker = w.num
	ev.Chapter = w.chapter.Index
	if ev.Title == "" {
		ev.Title = w.chapter.Title
	}
	w.run.emit(ev)
}

// previousChapters returns up to N completed chapters before this one, in
// reading order.
func (w *worker) previousChapters(ctx context.Context) []translate.PreviousChapter {
	s := w.run.s
	opts := s.cfg.Options
	if !opts.SendPreviousChapters || opts.PreviousChapters <= 0 {
		return nil
	}

	var out []translate.PreviousChapter
	for i := len(s.order) - 1; i >= 0 && len(out) < opts.PreviousChapters; i-- {
		idx := s.order[i]
		if idx >= w.chapter.Index {
			continue
		}
		st, ok := s.cfg.State.Chapter(idx)
		if !ok || st.Status != runstate.Completed {
			continue
		}
		text, err := s.cfg.State.ChapterText(ctx, idx)
		if err != nil {
			w.logger.Warn("previous chapter unavailable", "previous", idx, "error", err)
			continue
		}
		out = append(out, translate.PreviousChapter{
			Number:     idx,
			Original:   s.chapters[idx].Text,
			Translated: text,
		})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// previousChunks pairs earlier chunks of the chapter with their stored
// translations, limited to the configured window.
func previousChunks(chunks []chunker.Chunk, done []string, ord int, opts Options) []translate.PreviousChunk {
	if !opts.SendPreviousChunks || ord == 0 {
		return nil
	}
	start := 0
	if opts.PreviousChunkWindow > 0 && ord > opts.PreviousChunkWindow {
		start = ord - opts.PreviousChunkWindow
	}
	out := make([]translate.PreviousChunk, 0, ord-start)
	for i := start; i < ord && i < len(done); i++ {
		out = append(out, translate.PreviousChunk{Original: chunks[i].Text, Translated: done[i]})
	}
	return out
}

func contextKeys(snap contextdb.Snapshot) map[string][]string {
	keys := snap.Keys()
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string][]string, len(keys))
	for c, k := range keys {
		if len(k) > 0 {
			out[string(c)] = k
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func attemptRecords(attempts []fallback.Attempt) []runstate.AttemptRecord {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]runstate.AttemptRecord, len(attempts))
	for i, a := range attempts {
		out[i] = runstate.AttemptRecord{
			Spec:       a.Spec.String(),
			Number:     a.Number,
			Skipped:    a.Skipped,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
		}
	}
	return out
}
