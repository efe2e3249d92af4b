// Package epub reads source EPUBs into translatable chapters and writes
// translated EPUB 3 files.
//
// Chapter text uses a small markdown dialect: "#" headings, "> " quotes,
// "---" rules, **bold**, *italic*, ![alt](src) images and blank lines
// between paragraphs. The reader produces it and the builder renders it.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// ErrNotEPUB is returned for archives without a usable package document.
var ErrNotEPUB = errors.New("not an epub")

// Metadata is the Dublin Core metadata carried over to the output.
type Metadata struct {
	Identifier   string   `json:"identifier"`
	Title        string   `json:"title"`
	Creators     []string `json:"creators,omitempty"`
	Language     string   `json:"language,omitempty"`
	Publisher    string   `json:"publisher,omitempty"`
	Descriptions []string `json:"descriptions,omitempty"`
	Dates        []string `json:"dates,omitempty"`
	Sources      []string `json:"sources,omitempty"`
}

// Item is one manifest entry. Href is relative to the package document.
type Item struct {
	ID         string
	Href       string
	MediaType  string
	Properties string
}

func (it Item) isNav() bool {
	for _, p := range strings.Fields(it.Properties) {
		if p == "nav" {
			return true
		}
	}
	return false
}

func (it Item) isNCX() bool {
	return it.MediaType == "application/x-dtbncx+xml"
}

func (it Item) isDocument() bool {
	return it.MediaType == "application/xhtml+xml" || it.MediaType == "text/html"
}

// TOCEntry is one table of contents entry, flattened in reading order.
// Href is relative to the package document and may carry a fragment.
type TOCEntry struct {
	Title string `json:"title"`
	Href  string `json:"href"`
	Level int    `json:"level"` // 1 = top level
}

// File returns the href without its fragment.
func (e TOCEntry) File() string {
	if i := strings.IndexByte(e.Href, '#'); i >= 0 {
		return e.Href[:i]
	}
	return e.Href
}

// Chapter is one spine document. Index is 1-based in spine order.
type Chapter struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Href  string `json:"href"`
	Title string `json:"title"`
	Text  string `json:"-"`

	stylesheets []string
}

// Document is a parsed source EPUB.
type Document struct {
	Path     string
	Metadata Metadata
	Items    []Item
	Spine    []string // item IDs
	TOC      []TOCEntry
	Chapters []Chapter

	opfDir string
	files  map[string][]byte // zip path -> content
}

// Chapter returns the chapter with the given index.
func (d *Document) Chapter(index int) (Chapter, bool) {
	if index < 1 || index > len(d.Chapters) {
		return Chapter{}, false
	}
	return d.Chapters[index-1], true
}

// ReadItem returns the content of a manifest href.
func (d *Document) ReadItem(href string) ([]byte, error) {
	data, ok := d.files[d.zipPath(href)]
	if !ok {
		return nil, fmt.Errorf("epub item %q not found", href)
	}
	return data, nil
}

func (d *Document) zipPath(href string) string {
	if u, err := url.PathUnescape(href); err == nil {
		href = u
	}
	return path.Join(d.opfDir, href)
}

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	UniqueID string `xml:"unique-identifier,attr"`
	Metadata struct {
		Identifiers []struct {
			ID    string `xml:"id,attr"`
			Value string `xml:",chardata"`
		} `xml:"http://purl.org/dc/elements/1.1/ identifier"`
		Titles       []string `xml:"http://purl.org/dc/elements/1.1/ title"`
		Creators     []string `xml:"http://purl.org/dc/elements/1.1/ creator"`
		Languages    []string `xml:"http://purl.org/dc/elements/1.1/ language"`
		Publishers   []string `xml:"http://purl.org/dc/elements/1.1/ publisher"`
		Descriptions []string `xml:"http://purl.org/dc/elements/1.1/ description"`
		Dates        []string `xml:"http://purl.org/dc/elements/1.1/ date"`
		Sources      []string `xml:"http://purl.org/dc/elements/1.1/ source"`
	} `xml:"metadata"`
	Manifest []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
	Spine struct {
		TOC      string `xml:"toc,attr"`
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// Open reads an EPUB 2 or 3 file.
func Open(filename string) (*Document, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	doc, err := parse(files)
	if err != nil {
		return nil, err
	}
	doc.Path = filename
	return doc, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func parse(files map[string][]byte) (*Document, error) {
	raw, ok := files["META-INF/container.xml"]
	if !ok {
		return nil, fmt.Errorf("%w: missing META-INF/container.xml", ErrNotEPUB)
	}
	var container containerXML
	if err := xml.Unmarshal(raw, &container); err != nil {
		return nil, fmt.Errorf("%w: container.xml: %v", ErrNotEPUB, err)
	}
	if len(container.Rootfiles) == 0 {
		return nil, fmt.Errorf("%w: no rootfile", ErrNotEPUB)
	}
	opfPath := container.Rootfiles[0].FullPath
	raw, ok = files[opfPath]
	if !ok {
		return nil, fmt.Errorf("%w: missing package document %s", ErrNotEPUB, opfPath)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotEPUB, opfPath, err)
	}

	doc := &Document{opfDir: path.Dir(opfPath), files: files}
	doc.Metadata = metadataOf(&pkg)

	byID := make(map[string]Item, len(pkg.Manifest))
	for _, m := range pkg.Manifest {
		it := Item{ID: m.ID, Href: m.Href, MediaType: m.MediaType, Properties: m.Properties}
		doc.Items = append(doc.Items, it)
		byID[it.ID] = it
	}
	for _, ref := range pkg.Spine.Itemrefs {
		if _, ok := byID[ref.IDRef]; ok {
			doc.Spine = append(doc.Spine, ref.IDRef)
		}
	}

	doc.TOC = doc.readTOC(byID, pkg.Spine.TOC)

	for _, id := range doc.Spine {
		it := byID[id]
		if !it.isDocument() || it.isNav() {
			continue
		}
		data, err := doc.ReadItem(it.Href)
		if err != nil {
			return nil, err
		}
		ex := extract(data)
		ch := Chapter{
			Index:       len(doc.Chapters) + 1,
			ID:          it.ID,
			Href:        it.Href,
			Title:       doc.tocTitle(it.Href),
			Text:        ex.text,
			stylesheets: ex.stylesheets,
		}
		if ch.Title == "" {
			ch.Title = ex.heading
		}
		if ch.Title == "" {
			ch.Title = ex.title
		}
		doc.Chapters = append(doc.Chapters, ch)
	}
	return doc, nil
}

func metadataOf(pkg *opfPackage) Metadata {
	md := pkg.Metadata
	first := func(vs []string) string {
		for _, v := range vs {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return ""
	}
	out := Metadata{
		Title:        first(md.Titles),
		Creators:     trimAll(md.Creators),
		Language:     first(md.Languages),
		Publisher:    first(md.Publishers),
		Descriptions: trimAll(md.Descriptions),
		Dates:        trimAll(md.Dates),
		Sources:      trimAll(md.Sources),
	}
	for _, id := range md.Identifiers {
		if out.Identifier == "" || id.ID == pkg.UniqueID {
			out.Identifier = strings.TrimSpace(id.Value)
		}
	}
	return out
}

func trimAll(vs []string) []string {
	var out []string
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// tocTitle returns the first TOC title pointing at href.
func (d *Document) tocTitle(href string) string {
	for _, e := range d.TOC {
		if e.File() == href {
			return e.Title
		}
	}
	return ""
}
