package contextdb

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NormalizeKey folds a name to its lookup form: NFKC, case folded,
// whitespace collapsed. Full-width Latin and half-width kana collapse to
// the same key as their canonical forms.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

const (
	hiraganaStart = 0x3041
	katakanaStart = 0x30A1
	katakanaEnd   = 0x30F6
)

// matchForm is the loose form used by the context filter: the key form
// plus katakana folded onto hiragana and narrow/wide unified.
func matchForm(s string) string {
	s = width.Fold.String(NormalizeKey(s))
	return strings.Map(func(r rune) rune {
		if r >= katakanaStart && r <= katakanaEnd {
			return r - katakanaStart + hiraganaStart
		}
		return r
	}, s)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

func hasCJK(s string) bool {
	for _, r := range s {
		if isCJK(r) {
			return true
		}
	}
	return false
}
