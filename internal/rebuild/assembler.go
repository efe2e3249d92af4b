package rebuild

import (
	"context"

	"github.com/BeetleBonsai798/EpubTranslate/internal/epub"
)

// Section is one translated chapter in output order.
type Section struct {
	Index int
	Href  string
	Title string
	Text  string
}

// Assembler writes the output book. Implementations must leave no partial
// file at path on failure.
type Assembler interface {
	Assemble(ctx context.Context, sections []Section, toc []epub.TOCEntry, path string) error
}

// EPUBAssembler writes a copy of the source EPUB with the translated
// sections and TOC swapped in.
type EPUBAssembler struct {
	Source   *epub.Document
	Language string
}

// Assemble implements Assembler.
func (a *EPUBAssembler) Assemble(ctx context.Context, sections []Section, toc []epub.TOCEntry, path string) error {
	b := epub.NewBuilder(a.Source, a.Language)
	for _, s := range sections {
		if err := b.SetChapter(s.Index, s.Title, s.Text); err != nil {
			return err
		}
	}
	b.SetTOC(toc)
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Build(path)
}
