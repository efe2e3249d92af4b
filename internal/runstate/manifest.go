// Package runstate persists per-chapter and per-chunk progress so an
// interrupted translation resumes exactly where it stopped.
//
// The manifest (run.json) is a versioned JSON snapshot. Chunk and chapter
// translations live in separate plain-text artifacts that are always
// written before the manifest marks them completed, so the manifest on
// disk never points at output that does not exist.
package runstate

import (
	"errors"
	"fmt"
	"time"
)

// Version is the manifest format written by this package.
const Version = 1

// Status is a chapter or chunk state.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

var (
	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnsupportedVersion is returned when loading a manifest written by
	// a newer (or unknown) format.
	ErrUnsupportedVersion = errors.New("unsupported run state version")

	// ErrUnknownChapter is returned for a chapter index not in the manifest.
	ErrUnknownChapter = errors.New("unknown chapter")

	// ErrChunkOrder is returned when a chunk is completed out of ordinal
	// order or while another chunk of the chapter is in flight.
	ErrChunkOrder = errors.New("chunk out of order")
)

// transitions lists the allowed chapter status changes.
var transitions = map[Status][]Status{
	Pending:    {InProgress},
	InProgress: {Completed, Failed},
	Failed:     {Pending},
}

// CanTransition reports whether a chapter may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AttemptRecord is one provider attempt that contributed to a chunk.
type AttemptRecord struct {
	Spec       string `json:"spec"`
	Number     int    `json:"number,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Chunk is the persisted state of one chunk.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Hash    string `json:"hash"`
	Tokens  int    `json:"tokens"`
	Status  Status `json:"status"`

	// Output is the artifact path relative to the store root.
	Output string `json:"output,omitempty"`

	Spec        string              `json:"spec,omitempty"`
	Model       string              `json:"model,omitempty"`
	Upstream    string              `json:"upstream,omitempty"`
	Attempts    []AttemptRecord     `json:"attempts,omitempty"`
	ContextKeys map[string][]string `json:"context_keys,omitempty"`
	Error       string              `json:"error,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Chapter is the persisted state of one chapter.
type Chapter struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Title  string `json:"title,omitempty"`
	Href   string `json:"href,omitempty"`
	Status Status `json:"status"`

	// Plan identifies the chunk boundaries the chunks below were cut with.
	Plan      string  `json:"plan,omitempty"`
	MaxTokens int     `json:"max_tokens,omitempty"`
	Chunks    []Chunk `json:"chunks,omitempty"`

	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Restarts  int       `json:"restarts,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cursor returns the number of leading completed chunks: the ordinal of
// the next chunk to translate.
func (c *Chapter) Cursor() int {
	n := 0
	for _, ch := range c.Chunks {
		if ch.Status != Completed {
			break
		}
		n++
	}
	return n
}

// Done reports whether the chapter has a plan and every chunk in it is
// completed. An empty chapter's plan has no chunks.
func (c *Chapter) Done() bool {
	return c.Plan != "" && c.Cursor() == len(c.Chunks)
}

func (c *Chapter) clone() *Chapter {
	out := *c
	out.Chunks = make([]Chunk, len(c.Chunks))
	for i, ch := range c.Chunks {
		ch.Attempts = append([]AttemptRecord(nil), ch.Attempts...)
		if ch.ContextKeys != nil {
			keys := make(map[string][]string, len(ch.ContextKeys))
			for k, v := range ch.ContextKeys {
				keys[k] = append([]string(nil), v...)
			}
			ch.ContextKeys = keys
		}
		if ch.CompletedAt != nil {
			t := *ch.CompletedAt
			ch.CompletedAt = &t
		}
		out.Chunks[i] = ch
	}
	return &out
}

// Manifest is the run.json document.
type Manifest struct {
	Version   int       `json:"version"`
	BookID    string    `json:"book_id"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Prompts fingerprints the resolved prompts the run last used.
	Prompts string `json:"prompts,omitempty"`

	Chapters []*Chapter `json:"chapters"`
}

func (m *Manifest) chapter(index int) *Chapter {
	for _, c := range m.Chapters {
		if c.Index == index {
			return c
		}
	}
	return nil
}

func (m *Manifest) clone() *Manifest {
	out := *m
	out.Chapters = make([]*Chapter, len(m.Chapters))
	for i, c := range m.Chapters {
		out.Chapters[i] = c.clone()
	}
	return &out
}

// normalize repairs the state left by an unclean shutdown: in-progress
// chapters and chunks go back to pending, completed chunks after a gap are
// dropped back to pending, and a chapter marked completed with
// incomplete chunks is reopened. It reports whether anything changed.
func (m *Manifest) normalize() bool {
	changed := false
	for _, c := range m.Chapters {
		if c.Status == InProgress {
			c.Status = Pending
			changed = true
		}
		gap := false
		for i := range c.Chunks {
			ch := &c.Chunks[i]
			if ch.Status == InProgress {
				ch.Status = Pending
				changed = true
			}
			if ch.Status != Completed {
				gap = true
				continue
			}
			if gap {
				ch.Status = Pending
				ch.Output = ""
				ch.CompletedAt = nil
				changed = true
			}
		}
		if c.Status == Completed && !c.Done() {
			c.Status = Pending
			changed = true
		}
	}
	return changed
}

// Summary counts chapters by status.
type Summary struct {
	Total      int `json:"total" yaml:"total"`
	Pending    int `json:"pending" yaml:"pending"`
	InProgress int `json:"in_progress" yaml:"in_progress"`
	Completed  int `json:"completed" yaml:"completed"`
	Failed     int `json:"failed" yaml:"failed"`

	ChunksTotal     int `json:"chunks_total" yaml:"chunks_total"`
	ChunksCompleted int `json:"chunks_completed" yaml:"chunks_completed"`
}

func (m *Manifest) summary() Summary {
	var s Summary
	for _, c := range m.Chapters {
		s.Total++
		switch c.Status {
		case Pending:
			s.Pending++
		case InProgress:
			s.InProgress++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		}
		s.ChunksTotal += len(c.Chunks)
		s.ChunksCompleted += c.Cursor()
	}
	return s
}
