package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/fallback"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/translate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
	"github.com/BeetleBonsai798/EpubTranslate/internal/tokens"
)

const (
	chunkPrefix = "CURRENT CHAPTER - TEXT TO TRANSLATE:\n```[START]\n"
	chunkSuffix = "\n```[END]"
)

// chunkOf extracts the text being translated from a request.
func chunkOf(req *providers.ChatRequest) string {
	for _, m := range req.Messages {
		if strings.HasPrefix(m.Content, chunkPrefix) {
			return strings.TrimSuffix(strings.TrimPrefix(m.Content, chunkPrefix), chunkSuffix)
		}
	}
	return ""
}

func reply(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return string(data)
}

// upper "translates" a chunk by upper-casing it.
func upper(t *testing.T) func(*providers.ChatRequest) (string, error) {
	return func(req *providers.ChatRequest) (string, error) {
		return reply(t, map[string]any{"complete_translation": strings.ToUpper(strings.TrimSpace(chunkOf(req)))}), nil
	}
}

func newMock(respond func(*providers.ChatRequest) (string, error)) *providers.MockClient {
	m := providers.NewMockClient()
	m.ClientName = "mock"
	m.Latency = 0
	m.Respond = respond
	return m
}

// book returns chapters of three-word paragraphs. With tokens.Words and a
// budget of 3 every paragraph is one chunk.
func book() []Chapter {
	return []Chapter{
		{Index: 0, ID: "c0", Title: "One", Text: "a b c\n\nd e f\n\ng h i"},
		{Index: 1, ID: "c1", Title: "Two", Text: "j k l\n\nm n o"},
		{Index: 2, ID: "c2", Title: "Three", Text: "p q r"},
	}
}

var wantText = map[int]string{
	0: "A B C\n\nD E F\n\nG H I",
	1: "J K L\n\nM N O",
	2: "P Q R",
}

type fixture struct {
	sched *Scheduler
	state *runstate.State
}

func newFixture(t *testing.T, store runstate.Store, mock *providers.MockClient, cstore ContextStore, opts Options, chapters []Chapter) fixture {
	t.Helper()
	ctx := context.Background()

	state, err := runstate.Open(ctx, runstate.Config{Store: store, BookID: "book"})
	if err != nil {
		t.Fatalf("runstate.Open() error = %v", err)
	}

	reg := providers.NewRegistry()
	reg.Register(mock.Name(), mock, 6000)
	fb := fallback.New(fallback.Config{Resolver: reg, BaseDelay: time.Nanosecond, MaxDelay: time.Millisecond})

	resolver := prompts.NewResolver(nil, nil)
	translate.RegisterPrompts(resolver)
	builder := translate.NewBuilder(resolver, "book", translate.Options{ContextMode: opts.ContextMode, NotesMode: opts.NotesMode})

	if opts.ChunkTokens == 0 {
		opts.ChunkTokens = 3
	}
	if opts.Specs == nil {
		opts.Specs = []fallback.Spec{{Client: mock.Name(), Model: "mock-model"}}
	}
	if opts.Retries == 0 {
		opts.Retries = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	sched, err := NewScheduler(Config{
		BookID:     "book",
		Chapters:   chapters,
		State:      state,
		Context:    cstore,
		Translator: fb,
		Prompts:    builder,
		Counter:    tokens.Words,
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return fixture{sched: sched, state: state}
}

// drain collects every event and the run error.
func drain(run *Run) ([]Event, error) {
	var events []Event
	for ev := range run.Events() {
		events = append(events, ev)
	}
	return events, run.Wait()
}

func types(events []Event) []EventType {
	var out []EventType
	for _, ev := range events {
		if ev.Type != ChunkDelta {
			out = append(out, ev.Type)
		}
	}
	return out
}

func chapterTexts(t *testing.T, state *runstate.State) map[int]string {
	t.Helper()
	out := make(map[int]string)
	for _, c := range state.Manifest().Chapters {
		if c.Status != runstate.Completed {
			continue
		}
		text, err := state.ChapterText(context.Background(), c.Index)
		if err != nil {
			t.Fatalf("ChapterText(%d) error = %v", c.Index, err)
		}
		out[c.Index] = text
	}
	return out
}

func TestConcurrency(t *testing.T) {
	cases := []struct {
		name    string
		workers int
		context bool
		want    int
	}{
		{"context mode clamps", 4, true, 1},
		{"plain mode keeps", 4, false, 4},
		{"zero means one", 0, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cstore ContextStore
			if tc.context {
				db := contextdb.New(contextdb.Config{})
				t.Cleanup(func() { db.Close() })
				cstore = db
			}
			f := newFixture(t, runstate.NewMemoryStore(), newMock(upper(t)), cstore,
				Options{Concurrency: tc.workers, ContextMode: tc.context}, book())
			if got := f.sched.Concurrency(); got != tc.want {
				t.Errorf("Concurrency() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRun_ContextModeNeverOverlapsCalls(t *testing.T) {
	var inflight, peak atomic.Int32
	base := upper(t)
	mock := newMock(func(req *providers.ChatRequest) (string, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return base(req)
	})

	db := contextdb.New(contextdb.Config{})
	defer db.Close()
	f := newFixture(t, runstate.NewMemoryStore(), mock, db, Options{Concurrency: 4, ContextMode: true}, book())

	if _, err := drain(f.sched.Run(context.Background(), nil)); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent calls = %d, want 1", p)
	}
}

func TestRun_TranslatesSelection(t *testing.T) {
	mock := newMock(upper(t))
	f := newFixture(t, runstate.NewMemoryStore(), mock, nil, Options{Concurrency: 2}, book())

	if _, err := drain(f.sched.Run(context.Background(), []int{2, 0})); err != nil {
		t.Fatalf("run error = %v", err)
	}

	got := chapterTexts(t, f.state)
	if len(got) != 2 || got[0] != wantText[0] || got[2] != wantText[2] {
		t.Errorf("chapter texts = %q", got)
	}
	if c, _ := f.state.Chapter(1); c.Status != runstate.Pending {
		t.Errorf("unselected chapter status = %s, want pending", c.Status)
	}
	if mock.RequestCount() != 4 {
		t.Errorf("requests = %d, want 4", mock.RequestCount())
	}
}

func TestRun_EventOrder(t *testing.T) {
	f := newFixture(t, runstate.NewMemoryStore(), newMock(upper(t)), nil, Options{}, book()[1:2])

	events, err := drain(f.sched.Run(context.Background(), nil))
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	want := []EventType{
		RunStarted,
		ChapterStarted,
		ChunkStarted, ChunkCompleted,
		ChunkStarted, ChunkCompleted,
		ChapterCompleted,
		RunFinished,
	}
	got := types(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	last := events[len(events)-1]
	if last.Summary == nil || last.Summary.Completed != 1 {
		t.Errorf("run_finished summary = %+v", last.Summary)
	}
	if events[len(events)-2].Chapter != 1 {
		t.Errorf("chapter_completed chapter = %d, want 1", events[len(events)-2].Chapter)
	}
}

func TestRun_FailedChapterDoesNotStopRun(t *testing.T) {
	base := upper(t)
	mock := newMock(func(req *providers.ChatRequest) (string, error) {
		if strings.Contains(chunkOf(req), "j k l") {
			return "", &providers.HTTPError{Provider: "mock", StatusCode: http.StatusServiceUnavailable, Body: "down"}
		}
		return base(req)
	})
	store := runstate.NewMemoryStore()
	f := newFixture(t, store, mock, nil, Options{Retries: 2}, book())

	events, err := drain(f.sched.Run(context.Background(), nil))
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	c1, _ := f.state.Chapter(1)
	if c1.Status != runstate.Failed {
		t.Fatalf("chapter 1 status = %s, want failed", c1.Status)
	}
	if c1.ErrorKind != "provider_exhausted" {
		t.Errorf("error kind = %q, want provider_exhausted", c1.ErrorKind)
	}
	if c1.Chunks[0].Status != runstate.Failed || len(c1.Chunks[0].Attempts) != 2 {
		t.Errorf("failed chunk = %+v", c1.Chunks[0])
	}

	got := chapterTexts(t, f.state)
	if got[0] != wantText[0] || got[2] != wantText[2] {
		t.Errorf("other chapters = %q", got)
	}

	var attempts, failed int
	for _, ev := range events {
		switch ev.Type {
		case AttemptFailed:
			attempts++
		case ChapterFailed:
			failed++
			if ev.Chapter != 1 || ev.ErrorKind != "provider_exhausted" {
				t.Errorf("chapter_failed event = %+v", ev)
			}
		}
	}
	if attempts != 2 || failed != 1 {
		t.Errorf("attempt_failed = %d, chapter_failed = %d, want 2 and 1", attempts, failed)
	}

	t.Run("failed chapters are skipped until retried", func(t *testing.T) {
		mock.Respond = upper(t)
		mock.Reset()

		events, err := drain(f.sched.Run(context.Background(), nil))
		if err != nil {
			t.Fatalf("run error = %v", err)
		}
		if mock.RequestCount() != 0 {
			t.Errorf("requests = %d, want 0", mock.RequestCount())
		}
		skipped := 0
		for _, ev := range events {
			if ev.Type == ChapterSkipped {
				skipped++
			}
		}
		if skipped != 3 {
			t.Errorf("skipped = %d, want 3", skipped)
		}

		if _, err := f.state.Retry(context.Background(), []int{1}); err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if _, err := drain(f.sched.Run(context.Background(), nil)); err != nil {
			t.Fatalf("run error = %v", err)
		}
		if got := chapterTexts(t, f.state)[1]; got != wantText[1] {
			t.Errorf("retried chapter = %q, want %q", got, wantText[1])
		}
	})
}

func TestRun_ResumeAfterCrashMatchesCleanRun(t *testing.T) {
	clean := newFixture(t, runstate.NewMemoryStore(), newMock(upper(t)), nil, Options{}, book())
	if _, err := drain(clean.sched.Run(context.Background(), nil)); err != nil {
		t.Fatalf("clean run error = %v", err)
	}
	want := chapterTexts(t, clean.state)

	// The third artifact write fails: chunks 0 and 1 of chapter 0 are
	// durable, chunk 2 was translated but never recorded.
	store := runstate.NewMemoryStore()
	store.ErrAfterNWrites = 2
	mock := newMock(upper(t))
	crashed := newFixture(t, store, mock, nil, Options{}, book())

	_, err := drain(crashed.sched.Run(context.Background(), nil))
	if !errors.Is(err, errdefs.ErrPersistence) {
		t.Fatalf("crashed run error = %v, want ErrPersistence", err)
	}
	if mock.RequestCount() != 3 {
		t.Fatalf("requests before crash = %d, want 3", mock.RequestCount())
	}

	store.ClearFaults()
	mock.Reset()
	resumed := newFixture(t, store, mock, nil, Options{}, book())

	c0, _ := resumed.state.Chapter(0)
	if c0.Status != runstate.Pending || c0.Cursor() != 2 {
		t.Fatalf("reloaded chapter 0 = %s with cursor %d, want pending at 2", c0.Status, c0.Cursor())
	}

	events, err := drain(resumed.sched.Run(context.Background(), nil))
	if err != nil {
		t.Fatalf("resumed run error = %v", err)
	}
	// One redo for the unrecorded chunk plus the three untouched chunks.
	if mock.RequestCount() != 4 {
		t.Errorf("requests after resume = %d, want 4", mock.RequestCount())
	}
	for _, ev := range events {
		if ev.Type == ChapterStarted && ev.Chapter == 0 && ev.Resumed != 2 {
			t.Errorf("chapter 0 resumed at %d, want 2", ev.Resumed)
		}
	}

	got := chapterTexts(t, resumed.state)
	if len(got) != len(want) {
		t.Fatalf("resumed chapters = %d, want %d", len(got), len(want))
	}
	for idx, text := range want {
		if got[idx] != text {
			t.Errorf("chapter %d = %q, want %q", idx, got[idx], text)
		}
	}
}

func TestRun_StopLeavesResumableState(t *testing.T) {
	chapters := []Chapter{{Index: 0, Title: "Long", Text: "a b c\n\nd e f\n\ng h i\n\nj k l\n\nm n o\n\np q r"}}
	base := upper(t)
	mock := newMock(func(req *providers.ChatRequest) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return base(req)
	})
	store := runstate.NewMemoryStore()
	f := newFixture(t, store, mock, nil, Options{}, chapters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := f.sched.Run(ctx, nil)

	var events []Event
	for ev := range run.Events() {
		events = append(events, ev)
		if ev.Type == ChunkCompleted {
			cancel()
		}
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("stopped run error = %v, want nil", err)
	}

	c, _ := f.state.Chapter(0)
	if c.Status != runstate.Pending {
		t.Errorf("status after stop = %s, want pending", c.Status)
	}
	if n := c.Cursor(); n < 1 || n >= 6 {
		t.Errorf("cursor after stop = %d, want between 1 and 5", n)
	}
	if got := types(events); got[len(got)-2] != ChapterInterrupted {
		t.Errorf("events = %v, want chapter_interrupted before run_finished", got)
	}

	again := newFixture(t, store, newMock(upper(t)), nil, Options{}, chapters)
	if _, err := drain(again.sched.Run(context.Background(), nil)); err != nil {
		t.Fatalf("resumed run error = %v", err)
	}
	want := "A B C\n\nD E F\n\nG H I\n\nJ K L\n\nM N O\n\nP Q R"
	if got := chapterTexts(t, again.state)[0]; got != want {
		t.Errorf("chapter = %q, want %q", got, want)
	}
}

func TestRun_PlanMismatchRestartsChapter(t *testing.T) {
	store := runstate.NewMemoryStore()
	store.ErrAfterNWrites = 1
	first := newFixture(t, store, newMock(upper(t)), nil, Options{ChunkTokens: 3}, book()[:1])
	if _, err := drain(first.sched.Run(context.Background(), nil)); !errors.Is(err, errdefs.ErrPersistence) {
		t.Fatalf("first run error = %v, want ErrPersistence", err)
	}

	store.ClearFaults()
	second := newFixture(t, store, newMock(upper(t)), nil, Options{ChunkTokens: 6}, book()[:1])
	events, err := drain(second.sched.Run(context.Background(), nil))
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}

	restarted := false
	for _, ev := range events {
		if ev.Type == ChapterRestarted {
			restarted = true
			if ev.ErrorKind != "chunk_plan_mismatch" {
				t.Errorf("restart kind = %q", ev.ErrorKind)
			}
		}
	}
	if !restarted {
		t.Errorf("no chapter_restarted event in %v", types(events))
	}

	c, _ := second.state.Chapter(0)
	if c.Restarts != 1 || len(c.Chunks) != 2 || c.MaxTokens != 6 {
		t.Errorf("chapter after restart = restarts %d, chunks %d, max %d", c.Restarts, len(c.Chunks), c.MaxTokens)
	}
	if got := chapterTexts(t, second.state)[0]; got != wantText[0] {
		t.Errorf("chapter = %q, want %q", got, wantText[0])
	}
}

func TestRun_ContextModeMergesAndSendsRecords(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	mock := newMock(func(req *providers.ChatRequest) (string, error) {
		var all []string
		for _, m := range req.Messages {
			all = append(all, m.Content)
		}
		mu.Lock()
		prompts = append(prompts, strings.Join(all, "\n---\n"))
		mu.Unlock()

		chunk := strings.TrimSpace(chunkOf(req))
		out := map[string]any{"complete_translation": strings.ToUpper(chunk)}
		if chunk == "j k l" {
			out["characters"] = []map[string]string{{"original": "j", "translated": "Jay", "gender": "male"}}
			out["places"] = []map[string]string{{"original": "k", "translated": "Kay Town"}}
		}
		return reply(t, out), nil
	})

	db := contextdb.New(contextdb.Config{})
	defer db.Close()
	f := newFixture(t, runstate.NewMemoryStore(), mock, db, Options{ContextMode: true}, book()[1:2])

	events, err := drain(f.sched.Run(context.Background(), nil))
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	snap, err := db.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Characters) != 1 || snap.Characters[0].Translated != "Jay" || len(snap.Places) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	updated := 0
	for _, ev := range events {
		if ev.Type == ContextUpdated {
			updated++
			if ev.Context == nil || ev.Context.Added != 2 {
				t.Errorf("context_updated = %+v", ev.Context)
			}
		}
	}
	if updated != 1 {
		t.Errorf("context_updated events = %d, want 1", updated)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
	if strings.Contains(prompts[0], "Existing Character Translations:") {
		t.Errorf("first chunk saw context before any merge")
	}
	if !strings.Contains(prompts[1], "Existing Character Translations:\nj : Jay : male") {
		t.Errorf("second chunk prompt missing merged character:\n%s", prompts[1])
	}

	c, _ := f.state.Chapter(1)
	if keys := c.Chunks[1].ContextKeys; len(keys["characters"]) != 1 || len(keys["places"]) != 1 {
		t.Errorf("chunk 1 context keys = %v", keys)
	}
	if c.Chunks[0].ContextKeys != nil {
		t.Errorf("chunk 0 context keys = %v, want none", c.Chunks[0].ContextKeys)
	}
}

func TestRun_PreviousChunksWindow(t *testing.T) {
	var mu sync.Mutex
	var pairs []int
	base := upper(t)
	mock := newMock(func(req *providers.ChatRequest) (string, error) {
		n := 0
		for _, m := range req.Messages {
			if strings.HasPrefix(m.Content, "CURRENT CHAPTER - PREVIOUS PART:") {
				n++
			}
		}
		mu.Lock()
		pairs = append(pairs, n)
		mu.Unlock()
		return base(req)
	})
	f := newFixture(t, runstate.NewMemoryStore(), mock, nil,
		Options{SendPreviousChunks: true, PreviousChunkWindow: 1}, book()[:1])

	if _, err := drain(f.sched.Run(context.Background(), nil)); err != nil {
		t.Fatalf("run error = %v", err)
	}
	want := []int{0, 1, 1}
	mu.Lock()
	defer mu.Unlock()
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs = %v, want %v", pairs, want)
			break
		}
	}
}

func TestRun_UnknownChapter(t *testing.T) {
	f := newFixture(t, runstate.NewMemoryStore(), newMock(upper(t)), nil, Options{}, book())
	_, err := drain(f.sched.Run(context.Background(), []int{7}))
	if !errors.Is(err, runstate.ErrUnknownChapter) {
		t.Fatalf("error = %v, want ErrUnknownChapter", err)
	}
}

func TestRun_EmptyChapterCompletes(t *testing.T) {
	mock := newMock(upper(t))
	f := newFixture(t, runstate.NewMemoryStore(), mock, nil, Options{}, []Chapter{{Index: 0, Title: "Blank"}})
	if _, err := drain(f.sched.Run(context.Background(), nil)); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if c, _ := f.state.Chapter(0); c.Status != runstate.Completed {
		t.Errorf("status = %s, want completed", c.Status)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.RequestCount())
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	state, err := runstate.Open(context.Background(), runstate.Config{Store: runstate.NewMemoryStore(), BookID: "book"})
	if err != nil {
		t.Fatal(err)
	}
	resolver := prompts.NewResolver(nil, nil)
	translate.RegisterPrompts(resolver)
	builder := translate.NewBuilder(resolver, "book", translate.Options{})
	fb := fallback.New(fallback.Config{Resolver: providers.NewRegistry()})
	specs := []fallback.Spec{{Client: "mock", Model: "m"}}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no state", Config{Translator: fb, Prompts: builder, Options: Options{ChunkTokens: 10, Specs: specs}}},
		{"context mode without store", Config{State: state, Translator: fb, Prompts: builder, Options: Options{ChunkTokens: 10, Specs: specs, ContextMode: true}}},
		{"no budget", Config{State: state, Translator: fb, Prompts: builder, Options: Options{Specs: specs}}},
		{"no specs", Config{State: state, Translator: fb, Prompts: builder, Options: Options{ChunkTokens: 10}}},
		{"duplicate chapter", Config{State: state, Translator: fb, Prompts: builder, Options: Options{ChunkTokens: 10, Specs: specs},
			Chapters: []Chapter{{Index: 1}, {Index: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewScheduler(tc.cfg); err == nil {
				t.Error("NewScheduler() error = nil")
			}
		})
	}
}

func TestEventQueue_DropsOnlyDeltas(t *testing.T) {
	q := newEventQueue(0)
	for i := 0; i < deltaBacklog+50; i++ {
		q.push(Event{Type: ChunkDelta, Delta: "x"})
	}
	q.push(Event{Type: ChunkCompleted})
	q.close()

	var deltas, completed int
	for ev := range q.out {
		switch ev.Type {
		case ChunkDelta:
			deltas++
		case ChunkCompleted:
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
	if deltas+int(q.dropped.Load()) != deltaBacklog+50 {
		t.Errorf("delivered %d + dropped %d != pushed %d", deltas, q.dropped.Load(), deltaBacklog+50)
	}
	if q.dropped.Load() == 0 {
		t.Error("expected some deltas to be dropped")
	}
}
