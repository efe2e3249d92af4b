package contextdb

import "strings"

// matchMode controls how aggressively partial names match.
type matchMode int

const (
	matchStrict matchMode = iota
	matchNameParts          // either half of a long CJK name
	matchPrefix             // first half of a long CJK term
)

// Filter returns the records of snap relevant to text: a record is kept
// when its original name or its rendering appears in the text, directly,
// after width/kana folding, or (for CJK names) as a long enough fragment.
// Notes are always kept.
func Filter(snap Snapshot, text string) Snapshot {
	m := newMatcher(text)
	return Snapshot{
		Characters: m.keep(snap.Characters, matchNameParts),
		Places:     m.keep(snap.Places, matchStrict),
		Terms:      m.keep(snap.Terms, matchPrefix),
		Notes:      snap.Notes,
	}
}

type matcher struct {
	text   string
	folded string
}

func newMatcher(text string) *matcher {
	return &matcher{text: text, folded: matchForm(text)}
}

func (m *matcher) keep(recs []Record, mode matchMode) []Record {
	var out []Record
	for _, r := range recs {
		if m.matches(r.Key, mode) || (r.Translated != "" && m.matches(r.Translated, mode)) {
			out = append(out, r)
		}
	}
	return out
}

func (m *matcher) contains(s string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(m.text, s) || strings.Contains(m.folded, matchForm(s))
}

func (m *matcher) matches(name string, mode matchMode) bool {
	if m.contains(name) {
		return true
	}
	if !hasCJK(name) {
		return false
	}

	runes := []rune(name)
	n := len(runes)
	if n < 2 {
		return false
	}

	// Fragments of at least 70% of the name, longest first.
	minLen := max(2, (n*7+9)/10)
	for l := n - 1; l >= minLen; l-- {
		for start := 0; start+l <= n; start++ {
			if m.contains(string(runes[start : start+l])) {
				return true
			}
		}
	}

	if mode == matchStrict || n < 4 {
		return false
	}
	half := n / 2
	if first := string(runes[:half]); half >= 2 && m.contains(first) {
		if mode == matchNameParts || half >= 3 {
			return true
		}
	}
	if mode == matchNameParts {
		if second := runes[half:]; len(second) >= 2 && m.contains(string(second)) {
			return true
		}
	}
	return false
}
