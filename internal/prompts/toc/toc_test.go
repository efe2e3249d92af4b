package toc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

func TestPreview(t *testing.T) {
	short := "  第一章  "
	if got := Preview(short); got != "第一章" {
		t.Errorf("Preview(short) = %q", got)
	}
	long := strings.Repeat("あ", PreviewRunes+50)
	if got := Preview(long); got != strings.Repeat("あ", PreviewRunes) {
		t.Errorf("Preview(long) has %d bytes", len(got))
	}
}

func TestBuild(t *testing.T) {
	r := prompts.NewResolver(nil, nil)
	RegisterPrompts(r)
	b := NewBuilder(r, "book", "Korean", "German")

	msgs, err := b.Build(context.Background(), []Item{
		{Index: 3, Original: "第三話", Href: "ch3.xhtml", Heading: "第三話 出会い", ContextPreview: "朝"},
	}, &contextdb.Snapshot{Characters: []contextdb.Record{{Key: "アリス", Translated: "Alice"}}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != providers.RoleSystem {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "Korean novel into German") {
		t.Errorf("system = %q", msgs[0].Content)
	}
	user := msgs[1].Content
	for _, want := range []string{"Existing Character Translations:", `"index": 3`, `"context_preview": "朝"`, "TOC Entries to Translate:"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestParseAndValidate(t *testing.T) {
	got, err := Parse(json.RawMessage(`{"translations":[{"index":0,"translated":"Prologue"},{"index":1,"translated":"Chapter 1"}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 || got[1].Translated != "Chapter 1" {
		t.Errorf("Parse() = %+v", got)
	}

	bad := []string{
		`{"items":[]}`,
		`{"translations":[{"index":"zero","translated":"x"}]}`,
		`{"translations":[]}`,
		`nope`,
	}
	for _, content := range bad {
		if _, err := Validate(&providers.ChatResult{Success: true, Content: content}); err == nil {
			t.Errorf("Validate(%q) should fail", content)
		}
	}

	out, err := Validate(&providers.ChatResult{Success: true, Content: "```json\n{\"translations\":[{\"index\":0,\"translated\":\"A\"}]}\n```"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if ts, err := Parse(json.RawMessage(out)); err != nil || ts[0].Translated != "A" {
		t.Errorf("round trip = %+v, %v", ts, err)
	}
}
