package contextdb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = fixedClock()
	}
	s := New(cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_MergeInsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	stats, err := s.Merge(ctx, Update{
		Characters: []Record{{Key: "アリス", Translated: "Alice", Gender: "female"}},
		Places:     []Record{{Key: "王都", Translated: "Royal Capital"}},
		Terms:      []Record{{Key: "火球", Translated: "Fireball", Category: "SPELL"}},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Added != 3 {
		t.Errorf("got %d added, want 3", stats.Added)
	}

	t.Run("rendering is last write wins", func(t *testing.T) {
		stats, err := s.Merge(ctx, Update{Places: []Record{{Key: "王都", Translated: "Capital City"}}})
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if stats.Updated != 1 {
			t.Errorf("got %d updated, want 1", stats.Updated)
		}
		snap, _ := s.Snapshot(ctx)
		if snap.Places[0].Translated != "Capital City" {
			t.Errorf("got %q, want Capital City", snap.Places[0].Translated)
		}
	})

	t.Run("unknown gender does not erase known gender", func(t *testing.T) {
		if _, err := s.Merge(ctx, Update{Characters: []Record{{Key: "アリス", Translated: "Alice", Gender: "???"}}}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		snap, _ := s.Snapshot(ctx)
		if snap.Characters[0].Gender != GenderFemale {
			t.Errorf("got gender %q, want female", snap.Characters[0].Gender)
		}
	})

	t.Run("term category normalized and upgraded", func(t *testing.T) {
		snap, _ := s.Snapshot(ctx)
		if snap.Terms[0].Category != TermSpell {
			t.Errorf("got category %q, want spell", snap.Terms[0].Category)
		}
	})

	t.Run("key normalization", func(t *testing.T) {
		stats, err := s.Merge(ctx, Update{Characters: []Record{{Key: "  ｱﾘｽ ", Translated: "Alice"}}})
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if stats.Added != 0 {
			t.Errorf("half-width variant inserted a new record")
		}
		snap, _ := s.Snapshot(ctx)
		if len(snap.Characters) != 1 || snap.Characters[0].Key != "アリス" {
			t.Errorf("got %+v, want the original spelling kept", snap.Characters)
		}
	})

	t.Run("invalid records skipped", func(t *testing.T) {
		stats, err := s.Merge(ctx, Update{Terms: []Record{{Key: "", Translated: "x"}, {Key: "y", Translated: " "}}})
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if stats.Skipped != 2 || stats.Changed() {
			t.Errorf("got %+v, want 2 skipped and no change", stats)
		}
	})
}

func TestStore_MergeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	base := Update{Characters: []Record{{Key: "Bob", Translated: "Bob", Gender: "male"}}}
	if _, err := s.Merge(ctx, base); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	r := Update{
		Characters: []Record{
			{Key: "Carol", Translated: "Carol"},
			{Key: "carol", Translated: "Karol", Gender: "female"},
			{Key: "Bob", Translated: "Robert"},
		},
		Terms: []Record{{Key: "mana", Translated: "Mana", Category: "other"}},
	}

	if _, err := s.Merge(ctx, r); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	once, _ := s.Snapshot(ctx)

	stats, err := s.Merge(ctx, r)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if stats.Changed() {
		t.Errorf("second merge changed state: %+v", stats)
	}
	twice, _ := s.Snapshot(ctx)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge(merge(S,R),R) != merge(S,R)\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if got := once.Characters[1]; got.Translated != "Karol" || got.Gender != GenderFemale {
		t.Errorf("duplicate keys in one batch not collapsed last-wins: %+v", got)
	}
}

func TestStore_ConcurrentMergesNoLostWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	const workers, each = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				key := fmt.Sprintf("term-%d-%d", w, i)
				if _, err := s.Merge(ctx, Update{Terms: []Record{{Key: key, Translated: key}}}); err != nil {
					t.Errorf("Merge() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Terms) != workers*each {
		t.Errorf("got %d terms, want %d", len(snap.Terms), workers*each)
	}
}

func TestStore_Notes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	changed, err := s.ApplyNotes(ctx, []NoteOp{
		{Action: "add", Key: "tone", Note: "formal"},
		{Action: "add", Key: "honorifics", Note: "keep -san"},
		{Action: "update", Key: "tone", Note: "casual"},
		{Action: "delete", Key: "honorifics"},
		{Action: "add", Key: "", Note: "ignored"},
	})
	if err != nil {
		t.Fatalf("ApplyNotes() error = %v", err)
	}
	if !changed {
		t.Error("expected notes to change")
	}

	snap, _ := s.Snapshot(ctx)
	if len(snap.Notes) != 1 || snap.Notes[0].Key != "tone" || snap.Notes[0].Text != "casual" {
		t.Errorf("got notes %+v", snap.Notes)
	}
}

type failingPersister struct{}

func (failingPersister) SaveRecords(Category, []Record) error { return errors.New("disk full") }
func (failingPersister) SaveNotes([]Note) error               { return errors.New("disk full") }

func TestStore_PersistenceFailure(t *testing.T) {
	s := newTestStore(t, Config{Persister: failingPersister{}})

	_, err := s.Merge(context.Background(), Update{Places: []Record{{Key: "x", Translated: "y"}}})
	if !errors.Is(err, errdefs.ErrPersistence) {
		t.Errorf("Merge() error = %v, want ErrPersistence", err)
	}
}

func TestStore_Closed(t *testing.T) {
	s := New(Config{})
	s.Close()
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot() error = %v, want ErrClosed", err)
	}
}

func TestSnapshotKeys(t *testing.T) {
	snap := Snapshot{Places: []Record{{Key: "a"}, {Key: "b"}}}
	keys := snap.Keys()
	if len(keys) != 1 || !reflect.DeepEqual(keys[Places], []string{"a", "b"}) {
		t.Errorf("Keys() = %v", keys)
	}
}
