// Package chunker splits chapter text into ordered, token-bounded chunks.
//
// Splitting is lossless (the chunks concatenate back to the input) and
// deterministic, so a plan recomputed on resume can be compared with the
// persisted one. Cuts prefer paragraph boundaries, then line breaks, then
// sentence ends, and only fall back to whitespace (or a bare rune boundary)
// when a single sentence exceeds the budget.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BeetleBonsai798/EpubTranslate/internal/tokens"
)

// ErrInvalidBudget is returned when maxTokens is not positive.
var ErrInvalidBudget = errors.New("chunk token budget must be positive")

// Chunk is one contiguous slice of a chapter's text.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Start   int    `json:"start"` // byte offset into the chapter text
	End     int    `json:"end"`
	Text    string `json:"-"`
	Tokens  int    `json:"tokens"`
	Hash    string `json:"hash"`
}

// Split divides text into chunks whose token count is at most maxTokens.
func Split(text string, maxTokens int, counter tokens.Counter) ([]Chunk, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, maxTokens)
	}
	if counter == nil {
		counter = tokens.Default()
	}
	if text == "" {
		return nil, nil
	}

	s := &splitter{max: maxTokens, counter: counter}
	atoms := s.atomize(text, 0, 0)
	return s.pack(text, atoms), nil
}

// span is a byte range of the source text.
type span struct{ start, end int }

type splitter struct {
	max     int
	counter tokens.Counter
}

// boundary levels, coarsest first.
var levels = []func(string) []int{
	paragraphCuts,
	lineCuts,
	sentenceCuts,
}

// atomize breaks text[base:] into spans that each fit the budget, cutting
// at the coarsest boundary level that works.
func (s *splitter) atomize(text string, base, level int) []span {
	if s.counter.Count(text) <= s.max {
		return []span{{base, base + len(text)}}
	}
	if level >= len(levels) {
		return s.forceSplit(text, base)
	}

	cuts := levels[level](text)
	if len(cuts) == 0 {
		return s.atomize(text, base, level+1)
	}

	var out []span
	prev := 0
	for _, c := range append(cuts, len(text)) {
		if c <= prev {
			continue
		}
		out = append(out, s.atomize(text[prev:c], base+prev, level+1)...)
		prev = c
	}
	return out
}

// forceSplit cuts an oversize sentence at the last whitespace that keeps
// the left piece within budget. Without whitespace it cuts at a rune
// boundary.
func (s *splitter) forceSplit(text string, base int) []span {
	var out []span
	offset := 0
	for offset < len(text) {
		rest := text[offset:]
		if s.counter.Count(rest) <= s.max {
			out = append(out, span{base + offset, base + len(text)})
			break
		}

		end := s.longestPrefix(rest)
		if end == 0 {
			// A single rune exceeds the budget; emit it alone.
			_, size := utf8.DecodeRuneInString(rest)
			end = size
		} else if ws := lastWhitespaceCut(rest[:end]); ws > 0 {
			end = ws
		}
		out = append(out, span{base + offset, base + offset + end})
		offset += end
	}
	return out
}

// longestPrefix returns the largest rune-aligned byte length whose count
// fits the budget. Assumes the counter is monotone in prefix length.
func (s *splitter) longestPrefix(text string) int {
	bounds := make([]int, 0, utf8.RuneCountInString(text))
	for i := range text {
		if i > 0 {
			bounds = append(bounds, i)
		}
	}
	bounds = append(bounds, len(text))

	lo, hi := 0, len(bounds)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if s.counter.Count(text[:bounds[mid]]) <= s.max {
			best = bounds[mid]
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// pack greedily joins consecutive atoms while the joined text fits.
func (s *splitter) pack(text string, atoms []span) []Chunk {
	var chunks []Chunk
	cur := span{-1, -1}
	flush := func() {
		if cur.start < 0 {
			return
		}
		t := text[cur.start:cur.end]
		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Start:   cur.start,
			End:     cur.end,
			Text:    t,
			Tokens:  s.counter.Count(t),
			Hash:    Hash(t),
		})
		cur = span{-1, -1}
	}

	for _, a := range atoms {
		if cur.start < 0 {
			cur = a
			continue
		}
		if s.counter.Count(text[cur.start:a.end]) <= s.max {
			cur.end = a.end
			continue
		}
		flush()
		cur = a
	}
	flush()
	return chunks
}

// paragraphCuts returns offsets just after each blank-line separator run.
func paragraphCuts(text string) []int {
	var cuts []int
	i := 0
	for i < len(text) {
		nl := strings.IndexByte(text[i:], '\n')
		if nl < 0 {
			break
		}
		j := i + nl + 1
		// Consume the rest of the whitespace run and count newlines in it.
		newlines := 1
		k := j
		for k < len(text) {
			r, size := utf8.DecodeRuneInString(text[k:])
			if !unicode.IsSpace(r) {
				break
			}
			if r == '\n' {
				newlines++
			}
			k += size
		}
		if newlines >= 2 && k < len(text) {
			cuts = append(cuts, k)
		}
		i = k
	}
	return cuts
}

// lineCuts returns offsets just after each newline.
func lineCuts(text string) []int {
	var cuts []int
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			cuts = append(cuts, i+1)
		}
	}
	return cuts
}

const (
	sentenceEnders = ".!?。！？…"
	closers        = "\"'”’」』）)】》"
)

// sentenceCuts returns offsets after each sentence terminator together
// with trailing closing quotes and whitespace.
func sentenceCuts(text string) []int {
	var cuts []int
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !strings.ContainsRune(sentenceEnders, r) {
			continue
		}
		cjk := r > unicode.MaxASCII
		for i < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[i:])
			if strings.ContainsRune(sentenceEnders, r2) || strings.ContainsRune(closers, r2) {
				i += s2
				continue
			}
			break
		}
		ws := i
		for ws < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[ws:])
			if !unicode.IsSpace(r2) {
				break
			}
			ws += s2
		}
		if ws == len(text) {
			break
		}
		if ws > i || cjk {
			cuts = append(cuts, ws)
			i = ws
		}
	}
	return cuts
}

// lastWhitespaceCut returns the offset just after the last whitespace run
// in text, or 0 if there is none past the first rune.
func lastWhitespaceCut(text string) int {
	cut := 0
	for i, r := range text {
		if i > 0 && unicode.IsSpace(r) {
			cut = i + utf8.RuneLen(r)
		}
	}
	return cut
}

// Hash returns a short content hash for a chunk's text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint identifies a chunk plan. Two plans with the same
// fingerprint have identical boundaries and contents.
func Fingerprint(maxTokens int, chunks []Chunk) string {
	h := sha256.New()
	fmt.Fprintf(h, "max=%d;", maxTokens)
	for _, c := range chunks {
		fmt.Fprintf(h, "%d:%d:%s;", c.Start, c.End, c.Hash)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Join concatenates chunk texts in order.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}
