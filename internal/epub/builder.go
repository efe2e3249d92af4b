package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// OutputDir is the directory inside the output archive that holds the
// package document and every content file.
const OutputDir = "OEBPS"

// Builder writes a translated copy of a source Document. Chapters without
// a translation and every non-document resource (images, styles, fonts)
// are copied unchanged.
type Builder struct {
	doc      *Document
	language string
	now      func() time.Time

	chapters map[int]translated
	toc      []TOCEntry
}

type translated struct {
	title string
	text  string
}

// NewBuilder creates a builder for doc. language is written to the
// package metadata and to every translated chapter.
func NewBuilder(doc *Document, language string) *Builder {
	if language == "" {
		language = "en"
	}
	return &Builder{
		doc:      doc,
		language: language,
		now:      time.Now,
		chapters: make(map[int]translated),
		toc:      append([]TOCEntry(nil), doc.TOC...),
	}
}

// SetChapter replaces a chapter's content with translated markdown.
func (b *Builder) SetChapter(index int, title, text string) error {
	if _, ok := b.doc.Chapter(index); !ok {
		return fmt.Errorf("epub: no chapter %d", index)
	}
	b.chapters[index] = translated{title: title, text: text}
	return nil
}

// SetTOC replaces the table of contents entries.
func (b *Builder) SetTOC(entries []TOCEntry) {
	b.toc = append([]TOCEntry(nil), entries...)
}

// Build writes the EPUB to a temporary file next to outputPath and renames
// it into place, so a failed build never leaves a partial file.
func (b *Builder) Build(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".epub-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := b.Write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Write writes the epub to w.
func (b *Builder) Write(w io.Writer) error {
	zw := zip.NewWriter(w)

	if err := b.writeMimetype(zw); err != nil {
		return err
	}
	if err := b.writeFile(zw, "META-INF/container.xml", []byte(containerDoc)); err != nil {
		return err
	}

	out := b.layout()
	if err := b.writeFile(zw, OutputDir+"/content.opf", []byte(b.generatePackage(out))); err != nil {
		return err
	}
	if err := b.writeFile(zw, OutputDir+"/"+out.navHref, []byte(b.generateNavigation())); err != nil {
		return err
	}
	if err := b.writeFile(zw, OutputDir+"/"+out.ncxHref, []byte(b.generateNCX(out.uid))); err != nil {
		return err
	}

	for _, it := range out.items {
		data, err := b.itemContent(it)
		if err != nil {
			return err
		}
		if err := b.writeFile(zw, OutputDir+"/"+it.Href, data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// BuildToBuffer generates the epub and returns it as a byte buffer.
func (b *Builder) BuildToBuffer() (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	if err := b.Write(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// layout is the output manifest: the source items minus the old
// navigation documents, plus fresh ones at unused hrefs.
type layout struct {
	items   []Item
	spine   []string
	navHref string
	ncxHref string
	uid     string
}

func (b *Builder) layout() layout {
	var out layout
	used := make(map[string]bool)
	dropped := make(map[string]bool)
	for _, it := range b.doc.Items {
		if it.isNav() || it.isNCX() {
			dropped[it.ID] = true
			continue
		}
		out.items = append(out.items, it)
		used[it.Href] = true
	}
	for _, id := range b.doc.Spine {
		if !dropped[id] {
			out.spine = append(out.spine, id)
		}
	}
	out.navHref = unusedHref(used, "nav.xhtml")
	out.ncxHref = unusedHref(used, "toc.ncx")
	out.uid = b.generateUUID()
	return out
}

func unusedHref(used map[string]bool, name string) string {
	href := name
	for i := 1; used[href]; i++ {
		href = fmt.Sprintf("translated-%d-%s", i, name)
	}
	return href
}

// itemContent returns the output bytes of one manifest item.
func (b *Builder) itemContent(it Item) ([]byte, error) {
	if it.isDocument() {
		for _, ch := range b.doc.Chapters {
			if ch.ID != it.ID {
				continue
			}
			if tr, ok := b.chapters[ch.Index]; ok {
				return []byte(b.generateChapterXHTML(ch, tr)), nil
			}
			break
		}
	}
	data, err := b.doc.ReadItem(it.Href)
	if err != nil {
		return nil, fmt.Errorf("copy %s: %w", it.Href, err)
	}
	return data, nil
}

// writeMimetype writes the mimetype file (must be first and uncompressed).
func (b *Builder) writeMimetype(zw *zip.Writer) error {
	header := &zip.FileHeader{
		Name:   "mimetype",
		Method: zip.Store,
	}
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create mimetype: %w", err)
	}
	_, err = w.Write([]byte("application/epub+zip"))
	return err
}

func (b *Builder) writeFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(path.Clean(name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

// generateUUID returns the source identifier, or a fresh one.
func (b *Builder) generateUUID() string {
	if b.doc.Metadata.Identifier != "" {
		return b.doc.Metadata.Identifier
	}
	return "urn:uuid:" + uuid.New().String()
}

const containerDoc = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="` + OutputDir + `/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`
