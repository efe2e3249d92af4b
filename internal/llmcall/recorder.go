package llmcall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// Recorder handles fire-and-forget call recording. Writes are queued and
// drained by a single goroutine; a full queue drops the record.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Call
	done   chan struct{}
}

// NewRecorder creates a recorder writing to store. A nil store yields a
// recorder that discards everything.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan *Call, 256),
		done:   make(chan struct{}),
	}
	if store == nil {
		close(r.done)
		return r
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for call := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Insert(ctx, call); err != nil {
			r.logger.Warn("failed to record LLM call", "id", call.ID, "error", err)
		}
		cancel()
	}
}

// Record captures an attempt asynchronously.
func (r *Recorder) Record(result *providers.ChatResult, opts RecordOptions) {
	r.RecordCall(FromChatResult(result, opts))
}

// RecordCall captures an already-constructed Call asynchronously.
func (r *Recorder) RecordCall(call *Call) {
	if r == nil || r.store == nil || call == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- call:
	default:
		r.logger.Warn("call record queue full, dropping record", "id", call.ID)
	}
}

// Close flushes queued records and stops the writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed && r.store != nil {
		close(r.queue)
	}
	r.closed = true
	r.mu.Unlock()
	<-r.done
}
