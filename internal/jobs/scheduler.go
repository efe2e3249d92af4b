// Package jobs runs chapter translation on a fixed pool of workers.
//
// Each worker owns one chapter at a time and translates its chunks
// strictly in order. Chunk N is durable in the run state before chunk N+1
// is sent, so a stopped or crashed run resumes at the first unfinished
// chunk.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/translate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/tokens"
)

// Chapter is one source chapter to translate.
type Chapter struct {
	Index int
	ID    string
	Title string
	Href  string
	Text  string
}

// Translator sends one request through the fallback chain.
// *fallback.Client implements it.
type Translator interface {
	Translate(ctx context.Context, req *fallback.Request) (*fallback.Result, error)
}

// ContextStore is the shared context database.
// *contextdb.Store implements it.
type ContextStore interface {
	Snapshot(ctx context.Context) (contextdb.Snapshot, error)
	Merge(ctx context.Context, u contextdb.Update) (contextdb.MergeStats, error)
	ApplyNotes(ctx context.Context, ops []contextdb.NoteOp) (bool, error)
}

// Options are the translation settings of a run.
type Options struct {
	ChunkTokens int
	Concurrency int

	ContextMode   bool
	NotesMode     bool
	ContextFilter bool // Send only records whose key appears in the chunk

	SendPreviousChapters bool
	PreviousChapters     int
	SendPreviousChunks   bool
	PreviousChunkWindow  int // 0 = every earlier chunk of the chapter

	Specs    []fallback.Spec
	Retries  int
	Timeout  time.Duration
	Sampling providers.Sampling
}

// Config configures a Scheduler.
type Config struct {
	BookID   string
	Chapters []Chapter

	State      *runstate.State
	Context    ContextStore // Required in context or notes mode
	Translator Translator
	Prompts    *translate.Builder
	Counter    tokens.Counter // Default: tokens.Default()

	Options Options

	Logger      *slog.Logger
	EventBuffer int // Output channel buffer (default 64)
}

// Scheduler dispatches chapters to workers.
type Scheduler struct {
	cfg      Config
	chapters map[int]Chapter
	order    []int
	counter  tokens.Counter
	logger   *slog.Logger

	mu     sync.Mutex
	active *Run
}

// ErrRunActive is returned when a run is started while another is going.
var ErrRunActive = errors.New("a run is already active")

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.State == nil {
		return nil, errors.New("jobs: run state is required")
	}
	if cfg.Translator == nil {
		return nil, errors.New("jobs: translator is required")
	}
	if cfg.Prompts == nil {
		return nil, errors.New("jobs: prompt builder is required")
	}
	if (cfg.Options.ContextMode || cfg.Options.NotesMode) && cfg.Context == nil {
		return nil, errors.New("jobs: context store is required in context or notes mode")
	}
	if cfg.Options.ChunkTokens <= 0 {
		return nil, fmt.Errorf("jobs: chunk token budget must be positive, got %d", cfg.Options.ChunkTokens)
	}
	if len(cfg.Options.Specs) == 0 {
		return nil, errors.New("jobs: at least one provider spec is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokens.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	s := &Scheduler{
		cfg:      cfg,
		chapters: make(map[int]Chapter, len(cfg.Chapters)),
		counter:  counter,
		logger:   logger.With("book_id", cfg.BookID),
	}
	for _, ch := range cfg.Chapters {
		if _, dup := s.chapters[ch.Index]; dup {
			return nil, fmt.Errorf("jobs: duplicate chapter index %d", ch.Index)
		}
		s.chapters[ch.Index] = ch
		s.order = append(s.order, ch.Index)
	}
	return s, nil
}

// Concurrency returns the effective worker count. Context mode forces a
// single worker so each chunk sees every earlier merge.
func (s *Scheduler) Concurrency() int {
	n := s.cfg.Options.Concurrency
	if s.cfg.Options.ContextMode || n < 1 {
		return 1
	}
	return n
}

// Active returns the run in progress, if any.
func (s *Scheduler) Active() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run starts translating the selected chapters (all when selection is
// empty) and returns immediately. Cancelling ctx stops dispatch: in-flight
// calls finish and their chunks are kept, and no new chunk is sent.
//
// The caller must drain Events until it is closed.
func (s *Scheduler) Run(ctx context.Context, selection []int) *Run {
	r := newRun(s, s.cfg.EventBuffer)

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		r.finish(ErrRunActive)
		return r
	}
	s.active = r
	s.mu.Unlock()

	go func() {
		err := r.execute(ctx, selection)
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		r.finish(err)
	}()
	return r
}

// Plan resolves the selection into chapter indices in dispatch order. An
// empty selection is every chapter; an unknown index is an error.
func (s *Scheduler) Plan(selection []int) ([]int, error) {
	if len(selection) == 0 {
		return append([]int(nil), s.order...), nil
	}
	seen := make(map[int]bool, len(selection))
	out := make([]int, 0, len(selection))
	for _, idx := range selection {
		if _, ok := s.chapters[idx]; !ok {
			return nil, fmt.Errorf("%w: %d", runstate.ErrUnknownChapter, idx)
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out, nil
}

// Run is one execution of the scheduler.
type Run struct {
	s      *Scheduler
	events *eventQueue
	done   chan struct{}
	err    error

	// halt stops dispatch after a fatal error.
	halt     chan struct{}
	haltOnce sync.Once
	fatalErr error

	mu      sync.Mutex
	workers map[int]*WorkerStatus
}

func newRun(s *Scheduler, buffer int) *Run {
	return &Run{
		s:       s,
		events:  newEventQueue(buffer),
		done:    make(chan struct{}),
		halt:    make(chan struct{}),
		workers: make(map[int]*WorkerStatus),
	}
}

// Events returns the progress stream. It is closed after RunFinished.
func (r *Run) Events() <-chan Event {
	return r.events.out
}

// Wait blocks until every worker has stopped and returns the run error:
// nil when the run finished or was stopped, otherwise the fatal error.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// DroppedDeltas returns how many chunk deltas were dropped because the
// consumer fell behind.
func (r *Run) DroppedDeltas() int64 {
	return r.events.dropped.Load()
}

func (r *Run) emit(ev Event) {
	r.events.push(ev)
}

func (r *Run) finish(err error) {
	r.err = err
	summary := r.s.cfg.State.Summary()
	ev := Event{Type: RunFinished, Chapter: -1, Chunk: -1, Summary: &summary}
	if err != nil {
		ev.Error = err.Error()
	}
	r.emit(ev)
	r.events.close()
	close(r.done)
}

// fail records a fatal error and stops dispatch.
func (r *Run) fail(err error) {
	r.haltOnce.Do(func() {
		r.fatalErr = err
		close(r.halt)
	})
}

func (r *Run) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.halt:
		return true
	default:
		return false
	}
}

func (r *Run) execute(ctx context.Context, selection []int) error {
	s := r.s
	indices, err := s.Plan(selection)
	if err != nil {
		return err
	}

	metas := make([]runstate.ChapterMeta, 0, len(s.order))
	for _, idx := range s.order {
		ch := s.chapters[idx]
		metas = append(metas, runstate.ChapterMeta{Index: ch.Index, ID: ch.ID, Title: ch.Title, Href: ch.Href})
	}
	if err := s.cfg.State.Register(ctx, metas); err != nil {
		return err
	}

	queue := make(chan int, len(indices))
	for _, idx := range indices {
		st, _ := s.cfg.State.Chapter(idx)
		switch st.Status {
		case runstate.Completed, runstate.Failed:
			r.emit(Event{Type: ChapterSkipped, Chapter: idx, Title: st.Title, Chunk: -1, Error: string(st.Status)})
			continue
		}
		queue <- idx
	}
	close(queue)

	workers := s.Concurrency()
	s.logger.Info("run started", "chapters", len(queue), "workers", workers)
	r.emit(Event{Type: RunStarted, Chapter: -1, Chunk: -1, Chunks: len(queue)})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			r.workerLoop(ctx, workerNum, queue)
		}(i)
	}
	wg.Wait()

	if r.fatalErr != nil {
		s.logger.Error("run aborted", "error", r.fatalErr)
		return r.fatalErr
	}
	if ctx.Err() != nil {
		s.logger.Info("run stopped", "reason", ctx.Err())
	} else {
		s.logger.Info("run finished")
	}
	return nil
}

func (r *Run) workerLoop(ctx context.Context, workerNum int, queue <-chan int) {
	logger := r.s.logger.With("worker_num", workerNum)
	logger.Debug("worker started")
	defer r.setWorker(workerNum, nil)

	for idx := range queue {
		if r.stopped(ctx) {
			break
		}
		w := &worker{run: r, num: workerNum, chapter: r.s.chapters[idx], logger: logger.With("chapter", idx)}
		if err := w.process(ctx); err != nil {
			r.fail(err)
			break
		}
	}
	logger.Debug("worker stopping")
}
