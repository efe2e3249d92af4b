package tokens

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE vocabulary chunk budgets are measured in.
const DefaultEncoding = "cl100k_base"

// Names accepted by New besides tiktoken encoding names.
const (
	NameEstimate = "estimate"
	NameWords    = "words"
)

var loaderOnce sync.Once

// BPE counts tokens with a tiktoken encoding. Vocabularies are embedded,
// so loading one needs no network access.
type BPE struct {
	name string
	enc  *tiktoken.Tiktoken
}

// NewBPE loads the named encoding (DefaultEncoding when empty).
func NewBPE(encoding string) (*BPE, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", encoding, err)
	}
	return &BPE{name: encoding, enc: enc}, nil
}

// Name returns the encoding name.
func (b *BPE) Name() string { return b.name }

// Count implements Counter. Special-token text such as <|endoftext|> is
// counted as ordinary text.
func (b *BPE) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.Encode(text, nil, nil))
}

// New returns the counter for name: a tiktoken encoding, "estimate" or
// "words". An empty name selects DefaultEncoding.
func New(name string) (Counter, error) {
	switch name {
	case NameEstimate:
		return NewEstimator(), nil
	case NameWords:
		return Words, nil
	default:
		return NewBPE(name)
	}
}

var (
	defaultOnce    sync.Once
	defaultCounter Counter
)

// Default returns a shared DefaultEncoding counter. If the vocabulary
// cannot be loaded it logs a warning and falls back to the Estimator.
func Default() Counter {
	defaultOnce.Do(func() {
		bpe, err := NewBPE(DefaultEncoding)
		if err != nil {
			slog.Default().Warn("token counting falls back to the character estimate", "error", err)
			defaultCounter = NewEstimator()
			return
		}
		defaultCounter = bpe
	})
	return defaultCounter
}
