package contextdb

import "strings"

// Blocks holds the prompt text for each part of a snapshot. Empty parts
// render as "".
type Blocks struct {
	Characters string
	Places     string
	Terms      string
	Notes      string
}

// Render formats a snapshot as plain-text prompt blocks, one line per
// record: "original : translated[ : attribute]".
func Render(s Snapshot) Blocks {
	var b Blocks
	if len(s.Characters) > 0 {
		b.Characters = block("Existing Character Translations:", s.Characters, func(r Record) string {
			g := r.Gender
			if g == "" {
				g = GenderNotClear
			}
			return r.Key + " : " + r.Translated + " : " + g
		})
	}
	if len(s.Places) > 0 {
		b.Places = block("Existing Place Translations:", s.Places, func(r Record) string {
			return r.Key + " : " + r.Translated
		})
	}
	if len(s.Terms) > 0 {
		b.Terms = block("Existing Specialized Term Translations:", s.Terms, func(r Record) string {
			c := r.Category
			if c == "" {
				c = TermOther
			}
			return r.Key + " : " + r.Translated + " : " + c
		})
	}
	if len(s.Notes) > 0 {
		var sb strings.Builder
		sb.WriteString("Important Translation Notes:\n")
		for _, n := range s.Notes {
			sb.WriteString(n.Key + " = " + n.Text + "\n")
		}
		b.Notes = sb.String()
	}
	return b
}

// Records returns the non-empty record blocks in prompt order.
func (b Blocks) Records() []string {
	var out []string
	for _, s := range []string{b.Characters, b.Places, b.Terms} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func block(title string, recs []Record, line func(Record) string) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n")
	for _, r := range recs {
		sb.WriteString(line(r))
		sb.WriteString("\n")
	}
	return sb.String()
}
