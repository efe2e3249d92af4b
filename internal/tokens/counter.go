// Package tokens provides token counting for chunk budgeting.
//
// Budgets are measured in cl100k_base BPE tokens whatever model
// translates the chunk (see Default). Estimator is a vocabulary-free
// fallback tuned for mixed CJK and Latin text.
package tokens

import "unicode"

// Counter counts tokens in a text span.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(text string) int

// Count implements Counter.
func (f CounterFunc) Count(text string) int { return f(text) }

// Estimator approximates token counts without a model vocabulary.
// Latin-script text costs roughly one token per four characters; CJK
// ideographs and kana cost about one token each.
type Estimator struct {
	// CharsPerToken for non-CJK runes. Defaults to 4.
	CharsPerToken int
}

// NewEstimator returns an Estimator with default ratios.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4}
}

// Count implements Counter.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}

	var wide, narrow int
	for _, r := range text {
		if isWide(r) {
			wide++
		} else {
			narrow++
		}
	}
	return wide + (narrow+per-1)/per
}

func isWide(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// Words counts whitespace-separated words. Additive across paragraph
// joins, which makes it convenient for tests and for word-budgeted models.
var Words = CounterFunc(func(text string) int {
	n := 0
	in := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			in = false
			continue
		}
		if !in {
			n++
			in = true
		}
	}
	return n
})
