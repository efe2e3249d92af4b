package contextdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("context store closed")

// Persister saves category tables and notes. A nil Persister keeps the
// database in memory only.
type Persister interface {
	SaveRecords(c Category, recs []Record) error
	SaveNotes(notes []Note) error
}

// Config configures a Store.
type Config struct {
	// Persister receives every changed table. Optional.
	Persister Persister

	// Initial seeds the tables, typically from Load.
	Initial *Snapshot

	// Now overrides the clock for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Store is a single-writer actor over the context database. Every
// operation is a request handled in order by one goroutine, so merges are
// linearizable and snapshots are consistent.
type Store struct {
	reqs      chan func(*tables)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

type tables struct {
	cats  map[Category]*table
	notes *notesTable
}

// New starts the store's goroutine. Call Close to stop it.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	t := &tables{
		cats:  make(map[Category]*table, len(Categories)),
		notes: newNotesTable(),
	}
	for _, c := range Categories {
		t.cats[c] = newTable(c)
	}
	if cfg.Initial != nil {
		for _, c := range Categories {
			for _, r := range cfg.Initial.Records(c) {
				t.cats[c].insert(r)
			}
		}
		for _, n := range cfg.Initial.Notes {
			t.notes.order = append(t.notes.order, n.Key)
			nc := n
			t.notes.notes[n.Key] = &nc
		}
	}

	s := &Store{
		reqs:      make(chan func(*tables)),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		persister: cfg.Persister,
		now:       now,
		logger:    logger.With("component", "contextdb"),
	}
	go s.loop(t)
	return s
}

func (s *Store) loop(t *tables) {
	defer close(s.done)
	for {
		select {
		case fn := <-s.reqs:
			fn(t)
		case <-s.quit:
			return
		}
	}
}

// do submits fn to the owner goroutine and waits for it to run. Once a
// request is accepted it always completes, even if ctx is cancelled, so a
// merge is never half applied.
func (s *Store) do(ctx context.Context, fn func(*tables) error) error {
	errc := make(chan error, 1)
	req := func(t *tables) { errc <- fn(t) }

	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	return <-errc
}

// Snapshot returns a copy of the whole database.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func(t *tables) error {
		snap = Snapshot{
			Characters: t.cats[Characters].snapshot(),
			Places:     t.cats[Places].snapshot(),
			Terms:      t.cats[Terms].snapshot(),
			Notes:      t.notes.snapshot(),
		}
		return nil
	})
	return snap, err
}

// Merge applies provider-returned records. Changed categories are
// persisted before Merge returns.
func (s *Store) Merge(ctx context.Context, u Update) (MergeStats, error) {
	var total MergeStats
	if u.Empty() {
		return total, nil
	}
	err := s.do(ctx, func(t *tables) error {
		now := s.now()
		for _, c := range Categories {
			recs := u.records(c)
			if len(recs) == 0 {
				continue
			}
			stats := t.cats[c].merge(recs, now)
			total.add(stats)
			if !stats.Changed() {
				continue
			}
			if err := s.saveRecords(c, t.cats[c].snapshot()); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && total.Changed() {
		s.logger.Debug("merged context", "added", total.Added, "updated", total.Updated, "skipped", total.Skipped)
	}
	return total, err
}

// ApplyNotes runs note operations and persists the notes if they changed.
func (s *Store) ApplyNotes(ctx context.Context, ops []NoteOp) (bool, error) {
	if len(ops) == 0 {
		return false, nil
	}
	var changed bool
	err := s.do(ctx, func(t *tables) error {
		changed = t.notes.apply(ops, s.now())
		if !changed || s.persister == nil {
			return nil
		}
		if err := s.persister.SaveNotes(t.notes.snapshot()); err != nil {
			return fmt.Errorf("%w: save notes: %v", errdefs.ErrPersistence, err)
		}
		return nil
	})
	return changed, err
}

func (s *Store) saveRecords(c Category, recs []Record) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveRecords(c, recs); err != nil {
		return fmt.Errorf("%w: save %s: %v", errdefs.ErrPersistence, c, err)
	}
	return nil
}

// Close stops the owner goroutine. Pending callers get ErrClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}
