package contextdb

import (
	"strings"
	"time"
)

// Change describes one field modified by a merge.
type Change struct {
	Category Category `json:"category"`
	Key      string   `json:"key"`
	Field    string   `json:"field"`
	Old      string   `json:"old,omitempty"`
	New      string   `json:"new"`
}

// MergeStats summarizes a merge.
type MergeStats struct {
	Added   int      `json:"added"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Changes []Change `json:"changes,omitempty"`
}

// Changed reports whether the merge modified anything.
func (m MergeStats) Changed() bool {
	return m.Added > 0 || m.Updated > 0
}

func (m *MergeStats) add(o MergeStats) {
	m.Added += o.Added
	m.Updated += o.Updated
	m.Skipped += o.Skipped
	m.Changes = append(m.Changes, o.Changes...)
}

// table is one category's records keyed by normalized key, with insertion
// order kept for stable snapshots and prompts.
type table struct {
	cat   Category
	order []string
	recs  map[string]*Record
}

func newTable(c Category) *table {
	return &table{cat: c, recs: make(map[string]*Record)}
}

func (t *table) snapshot() []Record {
	out := make([]Record, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.recs[k])
	}
	return out
}

// insert adds a record without merge semantics. Used when loading.
func (t *table) insert(r Record) {
	k := NormalizeKey(r.Key)
	if _, ok := t.recs[k]; !ok {
		t.order = append(t.order, k)
	}
	rc := r
	t.recs[k] = &rc
}

// merge applies a batch. Duplicate keys within the batch are collapsed
// first so that applying the same batch twice is a no-op.
func (t *table) merge(in []Record, now time.Time) MergeStats {
	var stats MergeStats
	batch, skipped := t.collapse(in)
	stats.Skipped = skipped

	for _, r := range batch {
		k := NormalizeKey(r.Key)
		cur, ok := t.recs[k]
		if !ok {
			r.UpdatedAt = now
			t.order = append(t.order, k)
			t.recs[k] = &r
			stats.Added++
			stats.Changes = append(stats.Changes, Change{
				Category: t.cat, Key: r.Key, Field: "translated", New: r.Translated,
			})
			continue
		}
		if changes := t.mergeInto(cur, r); len(changes) > 0 {
			cur.UpdatedAt = now
			stats.Updated++
			stats.Changes = append(stats.Changes, changes...)
		}
	}
	return stats
}

// collapse sanitizes records and folds duplicates (by normalized key) in
// batch order, keeping the first-seen spelling of the key.
func (t *table) collapse(in []Record) ([]Record, int) {
	var (
		out     []Record
		index   = make(map[string]int)
		skipped int
	)
	for _, raw := range in {
		r, ok := t.sanitize(raw)
		if !ok {
			skipped++
			continue
		}
		k := NormalizeKey(r.Key)
		if i, seen := index[k]; seen {
			t.mergeInto(&out[i], r)
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out, skipped
}

func (t *table) sanitize(r Record) (Record, bool) {
	r.Key = strings.TrimSpace(r.Key)
	r.Translated = strings.TrimSpace(r.Translated)
	r.UpdatedAt = time.Time{}
	if r.Key == "" || r.Translated == "" || NormalizeKey(r.Key) == "" {
		return r, false
	}
	switch t.cat {
	case Characters:
		r.Gender = normalizeGender(r.Gender)
		r.Category = ""
	case Terms:
		r.Category = normalizeTermCategory(r.Category)
		r.Gender = ""
	default:
		r.Gender, r.Category = "", ""
	}
	return r, true
}

// mergeInto folds in into dst. The rendering is last-write-wins. Gender
// and category only change when the incoming value is informative, so an
// unknown never erases a known value.
func (t *table) mergeInto(dst *Record, in Record) []Change {
	var changes []Change
	if in.Translated != "" && in.Translated != dst.Translated {
		changes = append(changes, Change{t.cat, dst.Key, "translated", dst.Translated, in.Translated})
		dst.Translated = in.Translated
	}
	switch t.cat {
	case Characters:
		if in.Gender != GenderNotClear && in.Gender != "" && in.Gender != dst.Gender {
			changes = append(changes, Change{t.cat, dst.Key, "gender", dst.Gender, in.Gender})
			dst.Gender = in.Gender
		}
	case Terms:
		if in.Category != TermOther && in.Category != "" && in.Category != dst.Category {
			changes = append(changes, Change{t.cat, dst.Key, "category", dst.Category, in.Category})
			dst.Category = in.Category
		}
	}
	return changes
}

// notesTable holds notes in insertion order.
type notesTable struct {
	order []string
	notes map[string]*Note
}

func newNotesTable() *notesTable {
	return &notesTable{notes: make(map[string]*Note)}
}

func (n *notesTable) snapshot() []Note {
	out := make([]Note, 0, len(n.order))
	for _, k := range n.order {
		out = append(out, *n.notes[k])
	}
	return out
}

func (n *notesTable) set(key, text string, now time.Time) bool {
	if cur, ok := n.notes[key]; ok {
		if cur.Text == text {
			return false
		}
		cur.Text = text
		cur.UpdatedAt = now
		return true
	}
	n.order = append(n.order, key)
	n.notes[key] = &Note{Key: key, Text: text, UpdatedAt: now}
	return true
}

func (n *notesTable) remove(key string) bool {
	if _, ok := n.notes[key]; !ok {
		return false
	}
	delete(n.notes, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return true
}

// apply runs note operations and reports whether anything changed.
func (n *notesTable) apply(ops []NoteOp, now time.Time) (changed bool) {
	for _, op := range ops {
		key := strings.TrimSpace(op.Key)
		if key == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(op.Action)) {
		case NoteDelete, NoteRemove:
			if n.remove(key) {
				changed = true
			}
		case NoteAdd, NoteUpdate, "":
			text := strings.TrimSpace(op.Note)
			if text == "" {
				continue
			}
			if n.set(key, text, now) {
				changed = true
			}
		}
	}
	return changed
}
