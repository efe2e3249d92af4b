package epub

import (
	"bytes"
	"encoding/xml"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type ncxPoint struct {
	Label   string `xml:"navLabel>text"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []ncxPoint `xml:"navPoint"`
}

type ncxDoc struct {
	Points []ncxPoint `xml:"navMap>navPoint"`
}

// readTOC prefers the EPUB 3 navigation document and falls back to the
// NCX. A book without either has no TOC.
func (d *Document) readTOC(byID map[string]Item, ncxID string) []TOCEntry {
	for _, it := range d.Items {
		if !it.isNav() {
			continue
		}
		data, err := d.ReadItem(it.Href)
		if err != nil {
			break
		}
		if entries := parseNav(data, path.Dir(it.Href)); len(entries) > 0 {
			return entries
		}
	}

	ncx, ok := byID[ncxID]
	if !ok {
		for _, it := range d.Items {
			if it.isNCX() {
				ncx, ok = it, true
				break
			}
		}
	}
	if !ok {
		return nil
	}
	data, err := d.ReadItem(ncx.Href)
	if err != nil {
		return nil
	}
	var doc ncxDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil
	}
	var out []TOCEntry
	var walk func(points []ncxPoint, level int)
	walk = func(points []ncxPoint, level int) {
		for _, p := range points {
			out = append(out, TOCEntry{
				Title: collapseSpace(p.Label),
				Href:  resolveHref(path.Dir(ncx.Href), p.Content.Src),
				Level: level,
			})
			walk(p.Children, level+1)
		}
	}
	walk(doc.Points, 1)
	return out
}

// parseNav reads the toc nav of an EPUB 3 navigation document.
func parseNav(data []byte, base string) []TOCEntry {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	nav := findNode(root, func(n *html.Node) bool {
		return n.DataAtom == atom.Nav && strings.Contains(attr(n, "epub:type"), "toc")
	})
	if nav == nil {
		nav = findNode(root, func(n *html.Node) bool { return n.DataAtom == atom.Nav })
	}
	if nav == nil {
		return nil
	}
	list := findNode(nav, func(n *html.Node) bool { return n.DataAtom == atom.Ol || n.DataAtom == atom.Ul })
	if list == nil {
		return nil
	}

	var out []TOCEntry
	var walk func(list *html.Node, level int)
	walk = func(list *html.Node, level int) {
		for li := list.FirstChild; li != nil; li = li.NextSibling {
			if li.DataAtom != atom.Li {
				continue
			}
			for c := li.FirstChild; c != nil; c = c.NextSibling {
				switch c.DataAtom {
				case atom.A, atom.Span:
					out = append(out, TOCEntry{
						Title: collapseSpace(textContent(c)),
						Href:  resolveHref(base, attr(c, "href")),
						Level: level,
					})
				case atom.Ol, atom.Ul:
					walk(c, level+1)
				}
			}
		}
	}
	walk(list, 1)
	return out
}

// resolveHref makes a link relative to the package document.
func resolveHref(base, href string) string {
	if href == "" {
		return ""
	}
	frag := ""
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href, frag = href[:i], href[i:]
	}
	if href == "" {
		return frag
	}
	return path.Clean(path.Join(base, href)) + frag
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key || (a.Namespace != "" && a.Namespace+":"+a.Key == key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		if n.DataAtom == atom.Rt || n.DataAtom == atom.Rp {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
