package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
)

// Runner starts scheduler runs for HTTP clients and forwards their events
// to the hub and an optional observer.
type Runner struct {
	ctx       context.Context
	scheduler *jobs.Scheduler
	hub       *Hub
	onEvent   func(jobs.Event)
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. Runs stop when ctx is cancelled.
func NewRunner(ctx context.Context, scheduler *jobs.Scheduler, hub *Hub, onEvent func(jobs.Event), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ctx: ctx, scheduler: scheduler, hub: hub, onEvent: onEvent, logger: logger}
}

// Start begins a run over selection. It returns jobs.ErrRunActive while
// another run is going.
func (r *Runner) Start(selection []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler.Active() != nil {
		return jobs.ErrRunActive
	}

	if _, err := r.scheduler.Plan(selection); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	run := r.scheduler.Run(ctx, selection)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.forward(run)
		if err := run.Wait(); err != nil {
			r.logger.Error("run failed", "error", err)
		}
	}()
	return nil
}

func (r *Runner) forward(run *jobs.Run) {
	for ev := range run.Events() {
		if r.hub != nil {
			r.hub.Broadcast(ev)
		}
		if r.onEvent != nil {
			r.onEvent(ev)
		}
	}
}

// Stop cancels the active run. In-flight chunks finish and are kept.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler.Active() == nil || r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

// Wait blocks until every started run has delivered its last event.
func (r *Runner) Wait() {
	r.wg.Wait()
}
