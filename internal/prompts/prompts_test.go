package prompts

import (
	"context"
	"reflect"
	"testing"
)

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("Hi {{.Name}}, {{ .Count }} of {{.Book.Title}} {{- .Name -}}")
	want := []string{"Book.Title", "Count", "Name"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractVariables() = %v, want %v", got, want)
	}
}

func TestExecute_MissingKey(t *testing.T) {
	if _, err := Execute("t", "{{.Missing}}", map[string]any{}, nil); err == nil {
		t.Error("Execute() with a missing key should fail")
	}
	got, err := Execute("t", "{{.A}}-{{.B}}", map[string]any{"A": 1, "B": "x"}, nil)
	if err != nil || got != "1-x" {
		t.Errorf("Execute() = %q, %v", got, err)
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir(), nil)
	r := NewResolver(store, nil)
	r.Register(EmbeddedPrompt{Key: "a.system", Text: "default {{.X}}"})
	r.Register(EmbeddedPrompt{Key: "b.system", Text: "other"})

	t.Run("embedded", func(t *testing.T) {
		p, err := r.Resolve(ctx, "a.system", "book1")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if p.Source != SourceEmbedded || p.IsOverride() || p.Text != "default {{.X}}" {
			t.Errorf("Resolve() = %+v", p)
		}
		if !reflect.DeepEqual(p.Variables, []string{"X"}) {
			t.Errorf("Variables = %v", p.Variables)
		}
	})

	before, err := r.Fingerprint(ctx, "book1")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	t.Run("global then book override", func(t *testing.T) {
		if err := store.Set(ctx, "", "a.system", "global"); err != nil {
			t.Fatal(err)
		}
		p, _ := r.Resolve(ctx, "a.system", "book1")
		if p.Source != SourceGlobal || p.Text != "global" {
			t.Errorf("Resolve() = %+v, want global", p)
		}

		if err := store.Set(ctx, "book1", "a.system", "book"); err != nil {
			t.Fatal(err)
		}
		p, _ = r.Resolve(ctx, "a.system", "book1")
		if p.Source != SourceBook || p.Text != "book" {
			t.Errorf("Resolve() = %+v, want book", p)
		}

		p, _ = r.Resolve(ctx, "a.system", "book2")
		if p.Source != SourceGlobal {
			t.Errorf("other book resolved from %s, want global", p.Source)
		}
	})

	t.Run("fingerprint changes with overrides", func(t *testing.T) {
		after, err := r.Fingerprint(ctx, "book1")
		if err != nil {
			t.Fatal(err)
		}
		if after == before {
			t.Error("Fingerprint() unchanged after override")
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		list, err := store.List(ctx, "book1")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(list) != 2 || list[0].BookID != "book1" || list[1].BookID != "" {
			t.Errorf("List() = %+v", list)
		}
		if err := store.Delete(ctx, "book1", "a.system"); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "book1", "a.system"); err != nil {
			t.Errorf("second Delete() error = %v", err)
		}
		p, _ := r.Resolve(ctx, "a.system", "book1")
		if p.Source != SourceGlobal {
			t.Errorf("after delete Source = %s", p.Source)
		}
	})

	t.Run("unknown and invalid keys", func(t *testing.T) {
		if _, err := r.Resolve(ctx, "nope", ""); err == nil {
			t.Error("Resolve(unknown) should fail")
		}
		if err := store.Set(ctx, "../evil", "a.system", "x"); err == nil {
			t.Error("Set() with a path-like book id should fail")
		}
		if _, err := store.Get(ctx, "", "bad/key"); err == nil {
			t.Error("Get() with an invalid key should fail")
		}
	})

	t.Run("render", func(t *testing.T) {
		got, err := r.Render(ctx, "b.system", "", nil, nil)
		if err != nil || got != "other" {
			t.Errorf("Render() = %q, %v", got, err)
		}
	})
}
