// Package contextdb holds the book-wide consistency database: how
// characters, places and terms have been rendered so far, plus free-form
// translator notes.
//
// All reads and writes go through a single goroutine that owns the data
// (see Store). Callers never touch the maps directly.
package contextdb

import (
	"strings"
	"time"
)

// Category names a record table. The value doubles as the file stem.
type Category string

const (
	Characters Category = "characters"
	Places     Category = "places"
	Terms      Category = "terms"
)

// Categories lists the record tables in prompt order.
var Categories = []Category{Characters, Places, Terms}

// Character genders.
const (
	GenderMale     = "male"
	GenderFemale   = "female"
	GenderNotClear = "not_clear"
)

// Term categories.
const (
	TermSpell     = "spell"
	TermWeapon    = "weapon"
	TermSkill     = "skill"
	TermTechnique = "technique"
	TermAbility   = "ability"
	TermItem      = "item"
	TermArtifact  = "artifact"
	TermRace      = "race"
	TermOther     = "other"
)

var termCategories = map[string]bool{
	TermSpell: true, TermWeapon: true, TermSkill: true, TermTechnique: true,
	TermAbility: true, TermItem: true, TermArtifact: true, TermRace: true,
	TermOther: true,
}

// Record is one entry in a category table. Key is the original-language
// name as first seen; lookups use its normalized form.
type Record struct {
	Key        string    `json:"original"`
	Translated string    `json:"translated"`
	Gender     string    `json:"gender,omitempty"`   // characters only
	Category   string    `json:"category,omitempty"` // terms only
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Note is a free-form translator note keyed by topic.
type Note struct {
	Key       string    `json:"key"`
	Text      string    `json:"note"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Note operation actions.
const (
	NoteAdd    = "add"
	NoteUpdate = "update"
	NoteDelete = "delete"
	NoteRemove = "remove"
)

// NoteOp is a model-requested change to the notes.
type NoteOp struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Note   string `json:"note,omitempty"`
}

// Update is a batch of candidate records returned by a provider.
type Update struct {
	Characters []Record `json:"characters,omitempty"`
	Places     []Record `json:"places,omitempty"`
	Terms      []Record `json:"terms,omitempty"`
}

// Empty reports whether the update carries no records.
func (u Update) Empty() bool {
	return len(u.Characters) == 0 && len(u.Places) == 0 && len(u.Terms) == 0
}

func (u Update) records(c Category) []Record {
	switch c {
	case Characters:
		return u.Characters
	case Places:
		return u.Places
	case Terms:
		return u.Terms
	}
	return nil
}

// Snapshot is a read-only copy of the database at one point in time.
type Snapshot struct {
	Characters []Record `json:"characters"`
	Places     []Record `json:"places"`
	Terms      []Record `json:"terms"`
	Notes      []Note   `json:"notes,omitempty"`
}

// Records returns the records of one category.
func (s Snapshot) Records(c Category) []Record {
	switch c {
	case Characters:
		return s.Characters
	case Places:
		return s.Places
	case Terms:
		return s.Terms
	}
	return nil
}

// Len is the total number of records across categories.
func (s Snapshot) Len() int {
	return len(s.Characters) + len(s.Places) + len(s.Terms)
}

// Keys returns the record keys per category, used to record which context
// a chunk was translated with.
func (s Snapshot) Keys() map[Category][]string {
	out := make(map[Category][]string, len(Categories))
	for _, c := range Categories {
		recs := s.Records(c)
		if len(recs) == 0 {
			continue
		}
		keys := make([]string, len(recs))
		for i, r := range recs {
			keys[i] = r.Key
		}
		out[c] = keys
	}
	return out
}

// normalizeGender maps free-form model output to a known gender.
func normalizeGender(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "male", "m", "man":
		return GenderMale
	case "female", "f", "woman":
		return GenderFemale
	default:
		return GenderNotClear
	}
}

// normalizeTermCategory maps model output to a known term category.
func normalizeTermCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if termCategories[c] {
		return c
	}
	return TermOther
}
