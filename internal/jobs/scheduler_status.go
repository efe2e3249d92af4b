package jobs

import (
	"sort"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

// WorkerStatus reports what one worker is translating.
type WorkerStatus struct {
	Worker  int       `json:"worker" yaml:"worker"`
	Chapter int       `json:"chapter" yaml:"chapter"`
	Title   string    `json:"title,omitempty" yaml:"title,omitempty"`
	Chunk   int       `json:"chunk" yaml:"chunk"`
	Chunks  int       `json:"chunks" yaml:"chunks"`
	Since   time.Time `json:"since" yaml:"since"`
}

// Status is a point-in-time view of a run.
type Status struct {
	Running bool             `json:"running" yaml:"running"`
	Workers []WorkerStatus   `json:"workers" yaml:"workers"`
	Summary runstate.Summary `json:"summary" yaml:"summary"`
	Dropped int64            `json:"dropped_deltas,omitempty" yaml:"dropped_deltas,omitempty"`
}

// Status returns the scheduler's current status. Summary comes from the
// run state whether or not a run is active.
func (s *Scheduler) Status() Status {
	st := Status{Summary: s.cfg.State.Summary(), Workers: []WorkerStatus{}}
	r := s.Active()
	if r == nil {
		return st
	}
	st.Running = true
	st.Dropped = r.DroppedDeltas()

	r.mu.Lock()
	for _, w := range r.workers {
		st.Workers = append(st.Workers, *w)
	}
	r.mu.Unlock()
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].Worker < st.Workers[j].Worker })
	return st
}

// setWorker records a worker's position; nil clears it.
func (r *Run) setWorker(num int, ws *WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws == nil {
		delete(r.workers, num)
		return
	}
	ws.Worker = num
	r.workers[num] = ws
}
