package contextdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BeetleBonsai798/EpubTranslate/internal/atomicfile"
)

// NotesFile is the file stem for notes.
const NotesFile = "notes"

// FilePersister stores each category as a JSON object keyed by original
// name, in insertion order, so the files stay readable and hand-editable
// between runs.
type FilePersister struct {
	Dir string
}

// NewFilePersister returns a persister rooted at dir.
func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{Dir: dir}
}

func (p *FilePersister) path(stem string) string {
	return filepath.Join(p.Dir, stem+".json")
}

type diskRecord struct {
	Translated string     `json:"translated"`
	Gender     string     `json:"gender,omitempty"`
	Category   string     `json:"category,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type diskNote struct {
	Note      string     `json:"note"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SaveRecords implements Persister.
func (p *FilePersister) SaveRecords(c Category, recs []Record) error {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, r := range recs {
		v := diskRecord{Translated: r.Translated, UpdatedAt: timePtr(r.UpdatedAt)}
		switch c {
		case Characters:
			v.Gender = r.Gender
		case Terms:
			v.Category = r.Category
		}
		if err := writeEntry(&buf, i, r.Key, v); err != nil {
			return err
		}
	}
	buf.WriteString("\n}\n")
	return atomicfile.WriteFile(p.path(string(c)), buf.Bytes(), 0o644)
}

// SaveNotes implements Persister.
func (p *FilePersister) SaveNotes(notes []Note) error {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, n := range notes {
		if err := writeEntry(&buf, i, n.Key, diskNote{Note: n.Text, UpdatedAt: timePtr(n.UpdatedAt)}); err != nil {
			return err
		}
	}
	buf.WriteString("\n}\n")
	return atomicfile.WriteFile(p.path(NotesFile), buf.Bytes(), 0o644)
}

func writeEntry(buf *bytes.Buffer, i int, key string, v any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if i > 0 {
		buf.WriteString(",")
	}
	buf.WriteString("\n  ")
	buf.Write(k)
	buf.WriteString(": ")
	buf.Write(val)
	return nil
}

// Load reads every category file and the notes from dir. Missing files
// are treated as empty.
func Load(dir string) (*Snapshot, error) {
	snap := &Snapshot{}
	for _, c := range Categories {
		recs, err := loadRecords(filepath.Join(dir, string(c)+".json"), c)
		if err != nil {
			return nil, err
		}
		switch c {
		case Characters:
			snap.Characters = recs
		case Places:
			snap.Places = recs
		case Terms:
			snap.Terms = recs
		}
	}
	notes, err := loadNotes(filepath.Join(dir, NotesFile+".json"))
	if err != nil {
		return nil, err
	}
	snap.Notes = notes
	return snap, nil
}

func loadRecords(path string, c Category) ([]Record, error) {
	var out []Record
	err := decodeOrdered(path, func(key string, raw json.RawMessage) error {
		r := Record{Key: key}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			// Legacy form: "original": "translated".
			r.Translated = s
		} else {
			var d diskRecord
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("entry %q: %w", key, err)
			}
			r.Translated = d.Translated
			r.Gender = d.Gender
			r.Category = d.Category
			if d.UpdatedAt != nil {
				r.UpdatedAt = *d.UpdatedAt
			}
		}
		switch c {
		case Characters:
			r.Gender = normalizeGender(r.Gender)
		case Terms:
			r.Category = normalizeTermCategory(r.Category)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func loadNotes(path string) ([]Note, error) {
	var out []Note
	err := decodeOrdered(path, func(key string, raw json.RawMessage) error {
		n := Note{Key: key}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			n.Text = s
		} else {
			var d diskNote
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("note %q: %w", key, err)
			}
			n.Text = d.Note
			if d.UpdatedAt != nil {
				n.UpdatedAt = *d.UpdatedAt
			}
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// decodeOrdered walks a top-level JSON object in document order.
func decodeOrdered(path string, fn func(key string, raw json.RawMessage) error) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parse %s: expected object", path)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("parse %s: expected key", path)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := fn(key, raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
