package tokens

import "testing"

func TestEstimator(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"latin rounds up", "abcde", 2},
		{"exact multiple", "abcdefgh", 2},
		{"kanji one each", "東京都", 3},
		{"mixed", "東京 abcd", 2 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimatorZeroValue(t *testing.T) {
	var e Estimator
	if got := e.Count("abcd"); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestWords(t *testing.T) {
	if got := Words.Count("  one two\n\nthree "); got != 3 {
		t.Errorf("Words.Count() = %d, want 3", got)
	}
	if got := Words.Count(""); got != 0 {
		t.Errorf("Words.Count(\"\") = %d, want 0", got)
	}
}

func TestBPE(t *testing.T) {
	bpe, err := NewBPE("")
	if err != nil {
		t.Fatalf("NewBPE() error = %v", err)
	}
	if bpe.Name() != DefaultEncoding {
		t.Errorf("Name() = %q, want %q", bpe.Name(), DefaultEncoding)
	}

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello world", 2},
		{"tiktoken is great!", 6},
	}
	for _, tt := range tests {
		if got := bpe.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}

	// Special-token text must not panic.
	if got := bpe.Count("<|endoftext|>"); got == 0 {
		t.Error("Count(<|endoftext|>) = 0")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"", 2, false},
		{"cl100k_base", 2, false},
		{NameEstimate, 3, false},
		{NameWords, 2, false},
		{"no_such_encoding", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := c.Count("hello world"); got != tt.want {
				t.Errorf("Count(hello world) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if _, ok := c.(*BPE); !ok {
		t.Fatalf("Default() = %T, want *BPE", c)
	}
	if Default() != c {
		t.Error("Default() is not shared")
	}
}
