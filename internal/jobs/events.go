package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

// EventType names a progress event.
type EventType string

const (
	RunStarted         EventType = "run_started"
	ChapterSkipped     EventType = "chapter_skipped"
	ChapterStarted     EventType = "chapter_started"
	ChapterRestarted   EventType = "chapter_restarted"
	ChunkStarted       EventType = "chunk_started"
	ChunkDelta         EventType = "chunk_delta"
	AttemptFailed      EventType = "attempt_failed"
	ChunkCompleted     EventType = "chunk_completed"
	ContextUpdated     EventType = "context_updated"
	ChapterCompleted   EventType = "chapter_completed"
	ChapterFailed      EventType = "chapter_failed"
	ChapterInterrupted EventType = "chapter_interrupted"
	RunFinished        EventType = "run_finished"
)

// Event is one progress notification. Chunk is -1 for events that are not
// about a single chunk.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Worker  int       `json:"worker,omitempty"`
	Chapter int       `json:"chapter"`
	Title   string    `json:"title,omitempty"`
	Chunk   int       `json:"chunk"`
	Chunks  int       `json:"chunks,omitempty"`

	// Resumed is the number of chunks already completed when a chapter
	// starts.
	Resumed int `json:"resumed,omitempty"`

	Delta   string `json:"delta,omitempty"`
	Text    string `json:"text,omitempty"`
	Spec    string `json:"spec,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Context *contextdb.MergeStats `json:"context,omitempty"`
	Notes   bool                  `json:"notes,omitempty"`
	Summary *runstate.Summary     `json:"summary,omitempty"`
}

// deltaBacklog is how many undelivered events may be queued before chunk
// deltas start being dropped. Other events are never dropped.
const deltaBacklog = 256

// eventQueue decouples workers from a slow consumer. Pushes never block;
// a pump goroutine forwards queued events to the output channel in order.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool

	out     chan Event
	dropped atomic.Int64
}

func newEventQueue(buffer int) *eventQueue {
	q := &eventQueue{out: make(chan Event, buffer)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if ev.Type == ChunkDelta && len(q.items) >= deltaBacklog {
		q.dropped.Add(1)
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// close stops accepting events. Queued events are still delivered, then
// the output channel is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
