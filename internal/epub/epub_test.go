package epub

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fixtureOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="isbn">978-0000000000</dc:identifier>
    <dc:identifier id="bookid">urn:uuid:1234</dc:identifier>
    <dc:title>試験の本</dc:title>
    <dc:creator>Author One</dc:creator>
    <dc:language>ja</dc:language>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="css" href="Styles/book.css" media-type="text/css"/>
    <item id="img" href="Images/cover.png" media-type="image/png"/>
    <item id="c1" href="Text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="c2" href="Text/ch2.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="c1"/>
    <itemref idref="c2"/>
  </spine>
</package>`

const fixtureNav = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<body>
<nav epub:type="toc"><ol>
  <li><a href="Text/ch1.xhtml">第一章</a>
    <ol><li><a href="Text/ch1.xhtml#s2">第一節</a></li></ol>
  </li>
  <li><a href="Text/ch2.xhtml">第二章</a></li>
</ol></nav>
</body>
</html>`

const fixtureNCX = `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="p1"><navLabel><text>NCX One</text></navLabel><content src="Text/ch1.xhtml"/></navPoint>
  </navMap>
</ncx>`

const fixtureCh1 = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
  <title>ch1</title>
  <link rel="stylesheet" type="text/css" href="../Styles/book.css"/>
</head>
<body>
  <h1>第一章</h1>
  <p><ruby>漢字<rt>かんじ</rt></ruby>を   読む。</p>
  <p>彼は<em>静かに</em>言った。<br/>二行目。</p>
  <div><img src="../Images/cover.png" alt="表紙"/></div>
  <blockquote><p>引用</p></blockquote>
  <hr/>
  <h2 id="s2">第一節</h2>
  <p><strong>強い</strong>言葉。</p>
  <script>ignored()</script>
</body>
</html>`

const fixtureCh2 = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>ch2</title></head>
<body><p>終わり。</p></body>
</html>`

type fixtureFile struct {
	name string
	body string
}

func writeFixture(t *testing.T, files []fixtureFile) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.Create(file.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(file.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func standardFixture(t *testing.T) string {
	return writeFixture(t, []fixtureFile{
		{"mimetype", "application/epub+zip"},
		{"META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`},
		{"OEBPS/content.opf", fixtureOPF},
		{"OEBPS/nav.xhtml", fixtureNav},
		{"OEBPS/toc.ncx", fixtureNCX},
		{"OEBPS/Styles/book.css", "p { margin: 0; }"},
		{"OEBPS/Images/cover.png", "\x89PNG fake"},
		{"OEBPS/Text/ch1.xhtml", fixtureCh1},
		{"OEBPS/Text/ch2.xhtml", fixtureCh2},
	})
}

func TestOpen(t *testing.T) {
	doc, err := Open(standardFixture(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	t.Run("metadata", func(t *testing.T) {
		if doc.Metadata.Identifier != "urn:uuid:1234" {
			t.Errorf("Identifier = %q, want the unique-identifier", doc.Metadata.Identifier)
		}
		if doc.Metadata.Title != "試験の本" || doc.Metadata.Language != "ja" {
			t.Errorf("Metadata = %+v", doc.Metadata)
		}
		if len(doc.Metadata.Creators) != 1 || doc.Metadata.Creators[0] != "Author One" {
			t.Errorf("Creators = %v", doc.Metadata.Creators)
		}
	})

	t.Run("nav toc preferred over ncx", func(t *testing.T) {
		want := []TOCEntry{
			{Title: "第一章", Href: "Text/ch1.xhtml", Level: 1},
			{Title: "第一節", Href: "Text/ch1.xhtml#s2", Level: 2},
			{Title: "第二章", Href: "Text/ch2.xhtml", Level: 1},
		}
		if len(doc.TOC) != len(want) {
			t.Fatalf("TOC = %+v, want %+v", doc.TOC, want)
		}
		for i := range want {
			if doc.TOC[i] != want[i] {
				t.Errorf("TOC[%d] = %+v, want %+v", i, doc.TOC[i], want[i])
			}
		}
	})

	t.Run("chapters follow the spine", func(t *testing.T) {
		if len(doc.Chapters) != 2 {
			t.Fatalf("got %d chapters, want 2", len(doc.Chapters))
		}
		ch, ok := doc.Chapter(1)
		if !ok || ch.ID != "c1" || ch.Title != "第一章" {
			t.Errorf("Chapter(1) = %+v, %v", ch, ok)
		}
		if _, ok := doc.Chapter(3); ok {
			t.Error("Chapter(3) should not exist")
		}
	})

	t.Run("text", func(t *testing.T) {
		ch, _ := doc.Chapter(1)
		want := strings.Join([]string{
			"# 第一章",
			"漢字を 読む。",
			"彼は*静かに*言った。\n二行目。",
			"![表紙](../Images/cover.png)",
			"> 引用",
			"---",
			"## 第一節",
			"**強い**言葉。",
		}, "\n\n")
		if ch.Text != want {
			t.Errorf("Text =\n%s\nwant\n%s", ch.Text, want)
		}
		if strings.Contains(ch.Text, "かんじ") || strings.Contains(ch.Text, "ignored") {
			t.Error("ruby annotations and scripts should be dropped")
		}
	})
}

func TestOpen_NCXFallbackAndTitles(t *testing.T) {
	opf := strings.Replace(fixtureOPF, `<item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>`, "", 1)
	doc, err := Open(writeFixture(t, []fixtureFile{
		{"META-INF/container.xml", `<container><rootfiles><rootfile full-path="OEBPS/content.opf"/></rootfiles></container>`},
		{"OEBPS/content.opf", opf},
		{"OEBPS/toc.ncx", fixtureNCX},
		{"OEBPS/Text/ch1.xhtml", fixtureCh1},
		{"OEBPS/Text/ch2.xhtml", fixtureCh2},
		{"OEBPS/Styles/book.css", ""},
		{"OEBPS/Images/cover.png", ""},
	}))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(doc.TOC) != 1 || doc.TOC[0].Title != "NCX One" {
		t.Errorf("TOC = %+v, want the NCX entry", doc.TOC)
	}
	if ch, _ := doc.Chapter(1); ch.Title != "NCX One" {
		t.Errorf("Chapter(1).Title = %q", ch.Title)
	}
	// No TOC entry and no heading: the <title> is used.
	if ch, _ := doc.Chapter(2); ch.Title != "ch2" {
		t.Errorf("Chapter(2).Title = %q, want ch2", ch.Title)
	}
}

func TestOpen_NotEPUB(t *testing.T) {
	p := writeFixture(t, []fixtureFile{{"hello.txt", "hi"}})
	if _, err := Open(p); err == nil || !strings.Contains(err.Error(), ErrNotEPUB.Error()) {
		t.Errorf("Open() error = %v, want ErrNotEPUB", err)
	}
}

func readZip(t *testing.T, p string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	out := make(map[string]string)
	for i, f := range zr.File {
		if i == 0 && (f.Name != "mimetype" || f.Method != zip.Store) {
			t.Errorf("first entry = %s (method %d), want stored mimetype", f.Name, f.Method)
		}
		data, err := readZipFile(f)
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func TestBuilder_Build(t *testing.T) {
	doc, err := Open(standardFixture(t))
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(doc, "en")
	b.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := b.SetChapter(1, "Chapter One", "# Chapter One\n\nHe read *kanji*.\nSecond line.\n\n![Cover](../Images/cover.png)\n\n> quoted & kept"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetChapter(9, "x", "y"); err == nil {
		t.Error("SetChapter(9) should fail")
	}
	b.SetTOC([]TOCEntry{
		{Title: "Chapter One", Href: "Text/ch1.xhtml", Level: 1},
		{Title: "Section <1>", Href: "Text/ch1.xhtml#s2", Level: 2},
		{Title: "Chapter Two", Href: "Text/ch2.xhtml", Level: 1},
	})

	out := filepath.Join(t.TempDir(), "out", "book_translated.epub")
	if err := b.Build(out); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	files := readZip(t, out)

	t.Run("package", func(t *testing.T) {
		opf := files["OEBPS/content.opf"]
		for _, want := range []string{
			"<dc:language>en</dc:language>",
			"<dc:identifier id=\"pub-id\">urn:uuid:1234</dc:identifier>",
			"<dc:title>試験の本</dc:title>",
			"2025-01-02T03:04:05Z",
			`<itemref idref="c1"/>`,
			`href="Images/cover.png"`,
		} {
			if !strings.Contains(opf, want) {
				t.Errorf("content.opf missing %q", want)
			}
		}
		if strings.Count(opf, `properties="nav"`) != 1 {
			t.Error("content.opf should declare exactly one nav document")
		}
	})

	t.Run("translated chapter", func(t *testing.T) {
		ch1 := files["OEBPS/Text/ch1.xhtml"]
		for _, want := range []string{
			`xml:lang="en"`,
			`href="../Styles/book.css"`,
			"<h1>Chapter One</h1>",
			"<p>He read <em>kanji</em>.<br/>Second line.</p>",
			`<img src="../Images/cover.png" alt="Cover"/>`,
			"<blockquote><p>quoted &amp; kept</p></blockquote>",
		} {
			if !strings.Contains(ch1, want) {
				t.Errorf("ch1.xhtml missing %q\n%s", want, ch1)
			}
		}
	})

	t.Run("untranslated content copied", func(t *testing.T) {
		if files["OEBPS/Text/ch2.xhtml"] != fixtureCh2 {
			t.Error("ch2.xhtml should be copied unchanged")
		}
		if files["OEBPS/Images/cover.png"] != "\x89PNG fake" {
			t.Error("image should be copied unchanged")
		}
	})

	t.Run("navigation", func(t *testing.T) {
		nav := files["OEBPS/nav.xhtml"]
		if !strings.Contains(nav, "Section &lt;1&gt;") || !strings.Contains(nav, `href="Text/ch2.xhtml"`) {
			t.Errorf("nav.xhtml =\n%s", nav)
		}
		if strings.Count(nav, "<ol>") != strings.Count(nav, "</ol>") || strings.Count(nav, "<li>") != strings.Count(nav, "</li>") {
			t.Errorf("nav.xhtml is unbalanced:\n%s", nav)
		}
		if !strings.Contains(files["OEBPS/toc.ncx"], "Chapter Two") {
			t.Error("toc.ncx missing translated title")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		again, err := Open(out)
		if err != nil {
			t.Fatalf("Open(output) error = %v", err)
		}
		if again.Metadata.Language != "en" || len(again.Chapters) != 2 {
			t.Errorf("reopened = %+v, %d chapters", again.Metadata, len(again.Chapters))
		}
		ch, _ := again.Chapter(1)
		if ch.Title != "Chapter One" || !strings.Contains(ch.Text, "He read *kanji*.") {
			t.Errorf("reopened chapter = %q / %q", ch.Title, ch.Text)
		}
	})
}

func TestBuilder_NoPartialOutputOnFailure(t *testing.T) {
	doc, err := Open(standardFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	delete(doc.files, "OEBPS/Images/cover.png")

	dir := t.TempDir()
	out := filepath.Join(dir, "book.epub")
	if err := NewBuilder(doc, "en").Build(out); err == nil {
		t.Fatal("Build() should fail when a resource is missing")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("output dir should be empty, has %d entries", len(entries))
	}
}

func TestBuilder_Write(t *testing.T) {
	doc, err := Open(standardFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(doc, "en")

	var buf bytes.Buffer
	if err := b.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("output is not a zip: %v", err)
	}
	first := zr.File[0]
	if first.Name != "mimetype" || first.Method != zip.Store {
		t.Errorf("first entry = %s (method %d), want stored mimetype", first.Name, first.Method)
	}

	viaBuffer, err := b.BuildToBuffer()
	if err != nil {
		t.Fatalf("BuildToBuffer() error = %v", err)
	}
	if viaBuffer.Len() == 0 {
		t.Error("BuildToBuffer() returned an empty buffer")
	}
}

func TestMarkdownToXHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"empty uses title", "", "<h1>T</h1>\n"},
		{"paragraphs", "a\n\nb", "<p>a</p>\n<p>b</p>\n"},
		{"headings", "## two\n### three", "<h2>two</h2>\n<h3>three</h3>\n"},
		{"bold then italic", "**b** and *i*", "<p><strong>b</strong> and <em>i</em></p>\n"},
		{"lone asterisk", "2 * 3 = 6", "<p>2 * 3 = 6</p>\n"},
		{"image src keeps underscores", "![a_b](x_y_z.png)", "<p><img src=\"x_y_z.png\" alt=\"a_b\"/></p>\n"},
		{"rule", "a\n---\nb", "<p>a</p>\n<hr/>\n<p>b</p>\n"},
		{"multi-line quote", "> one\n> two", "<blockquote><p>one<br/>two</p></blockquote>\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToXHTML(tt.md, "T"); got != tt.want {
				t.Errorf("markdownToXHTML(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestLanguageTag(t *testing.T) {
	tests := map[string]string{
		"English":            "en",
		"japanese":           "ja",
		"Simplified Chinese": "zh-Hans",
		"pt-BR":              "pt-BR",
		"":                   "",
		"Klingonese":         "",
	}
	for name, want := range tests {
		if got := LanguageTag(name); got != want {
			t.Errorf("LanguageTag(%q) = %q, want %q", name, got, want)
		}
	}
}
