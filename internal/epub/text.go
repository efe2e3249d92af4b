package epub

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extraction is what the reader keeps from one XHTML document.
type extraction struct {
	text        string
	heading     string // first heading
	title       string // <title>
	stylesheets []string
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
	atom.Nav: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Figure: true, atom.Figcaption: true, atom.Table: true, atom.Tr: true,
	atom.Dl: true, atom.Dt: true, atom.Dd: true, atom.Pre: true, atom.Body: true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 3, atom.H5: 3, atom.H6: 3,
}

type extractor struct {
	blocks  []string
	cur     bytes.Buffer
	heading int
	quote   int

	firstHeading string
}

// extract converts an XHTML document into chapter markdown. Ruby
// annotations are dropped and only the base text is kept.
func extract(data []byte) extraction {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return extraction{text: strings.TrimSpace(string(data))}
	}

	var out extraction
	if head := findNode(root, func(n *html.Node) bool { return n.DataAtom == atom.Head }); head != nil {
		for c := head.FirstChild; c != nil; c = c.NextSibling {
			switch c.DataAtom {
			case atom.Title:
				out.title = collapseSpace(textContent(c))
			case atom.Link:
				if strings.EqualFold(attr(c, "rel"), "stylesheet") && attr(c, "href") != "" {
					out.stylesheets = append(out.stylesheets, attr(c, "href"))
				}
			}
		}
	}

	body := findNode(root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	if body == nil {
		return out
	}
	var e extractor
	e.visit(body)
	e.flush()
	out.text = strings.Join(e.blocks, "\n\n")
	out.heading = e.firstHeading
	return out
}

func (e *extractor) visit(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		e.text(n.Data)
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			e.visit(c)
		}
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Rt, atom.Rp, atom.Head:
		return
	case atom.Br:
		e.cur.WriteByte('\n')
		return
	case atom.Img:
		e.image(attr(n, "alt"), attr(n, "src"))
		return
	case atom.Hr:
		e.flush()
		e.blocks = append(e.blocks, "---")
		return
	case atom.Strong, atom.B:
		e.inline(n, "**")
		return
	case atom.Em, atom.I:
		e.inline(n, "*")
		return
	case atom.Blockquote:
		e.flush()
		e.quote++
		e.children(n)
		e.flush()
		e.quote--
		return
	}

	if n.Data == "image" && n.Namespace == "svg" {
		src := attr(n, "xlink:href")
		if src == "" {
			src = attr(n, "href")
		}
		e.image("", src)
		return
	}

	if level, ok := headingLevel[n.DataAtom]; ok {
		e.flush()
		e.heading = level
		e.children(n)
		e.flush()
		e.heading = 0
		return
	}

	if blockAtoms[n.DataAtom] {
		e.flush()
		e.children(n)
		e.flush()
		return
	}
	e.children(n)
}

func (e *extractor) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.visit(c)
	}
}

// text appends character data with whitespace runs collapsed.
func (e *extractor) text(s string) {
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			space = true
			continue
		}
		if space && e.cur.Len() > 0 {
			e.cur.WriteByte(' ')
		}
		space = false
		e.cur.WriteRune(r)
	}
	if space && e.cur.Len() > 0 {
		e.cur.WriteByte(' ')
	}
}

// inline wraps the children of n in marker, or writes nothing if they
// produce no text.
func (e *extractor) inline(n *html.Node, marker string) {
	start := e.cur.Len()
	e.cur.WriteString(marker)
	e.children(n)
	if e.cur.Len() < start+len(marker) {
		// A block inside the element flushed the marker away.
		return
	}
	if strings.TrimSpace(e.cur.String()[start+len(marker):]) == "" {
		e.cur.Truncate(start)
		return
	}
	e.cur.WriteString(marker)
}

func (e *extractor) image(alt, src string) {
	if src == "" {
		return
	}
	e.cur.WriteString("![" + collapseSpace(alt) + "](" + src + ")")
}

// flush ends the current block.
func (e *extractor) flush() {
	raw := e.cur.String()
	e.cur.Reset()

	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return
	}

	if e.heading > 0 {
		text := strings.Join(lines, " ")
		if e.firstHeading == "" {
			e.firstHeading = text
		}
		e.blocks = append(e.blocks, strings.Repeat("#", e.heading)+" "+text)
		return
	}
	if e.quote > 0 {
		for i, l := range lines {
			lines[i] = "> " + l
		}
	}
	e.blocks = append(e.blocks, strings.Join(lines, "\n"))
}
