package epub

import (
	"fmt"
	"strings"
)

// generateNavigation creates the nav.xhtml navigation document from the
// (translated) TOC, nesting entries by level.
func (b *Builder) generateNavigation() string {
	var sb strings.Builder

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops" xml:lang="`)
	sb.WriteString(escapeXML(b.language))
	sb.WriteString(`">
<head>
  <title>Table of Contents</title>
</head>
<body>
  <nav epub:type="toc" id="toc">
    <h1>Table of Contents</h1>
`)

	entries := b.navEntries()
	depth := 0
	for i, e := range entries {
		level := e.Level
		if level < 1 {
			level = 1
		}
		// Never jump more than one level deeper than the open list.
		if level > depth+1 {
			level = depth + 1
		}
		switch {
		case level > depth:
			for depth < level {
				sb.WriteString(indent(depth) + "<ol>\n")
				depth++
			}
		case level < depth:
			sb.WriteString("</li>\n")
			for depth > level {
				depth--
				sb.WriteString(indent(depth) + "</ol>\n" + indent(depth) + "</li>\n")
			}
		default:
			if i > 0 {
				sb.WriteString("</li>\n")
			}
		}
		sb.WriteString(fmt.Sprintf("%s<li><a href=\"%s\">%s</a>", indent(depth), escapeXML(e.Href), escapeXML(e.Title)))
		entries[i].Level = level
	}
	if depth > 0 {
		sb.WriteString("</li>\n")
		for depth > 0 {
			depth--
			sb.WriteString(indent(depth) + "</ol>\n")
			if depth > 0 {
				sb.WriteString(indent(depth) + "</li>\n")
			}
		}
	} else {
		sb.WriteString("    <ol><li><a href=\"#toc\">Contents</a></li></ol>\n")
	}

	sb.WriteString(`  </nav>
</body>
</html>
`)

	return sb.String()
}

func indent(depth int) string {
	return strings.Repeat("  ", depth+2)
}

// navEntries returns the TOC, or one entry per chapter when the source
// had none.
func (b *Builder) navEntries() []TOCEntry {
	var entries []TOCEntry
	for _, e := range b.toc {
		if e.Href != "" && e.Title != "" {
			entries = append(entries, e)
		}
	}
	if len(entries) > 0 {
		return entries
	}
	for _, ch := range b.doc.Chapters {
		title := ch.Title
		if tr, ok := b.chapters[ch.Index]; ok && tr.title != "" {
			title = tr.title
		}
		if title == "" {
			title = fmt.Sprintf("Chapter %d", ch.Index)
		}
		entries = append(entries, TOCEntry{Title: title, Href: ch.Href, Level: 1})
	}
	return entries
}

// generateNCX creates the toc.ncx for ePub 2 compatibility.
func (b *Builder) generateNCX(uid string) string {
	var sb strings.Builder

	entries := b.navEntries()
	maxDepth := 1
	for _, e := range entries {
		if e.Level > maxDepth {
			maxDepth = e.Level
		}
	}

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
    <meta name="dtb:uid" content="`)
	sb.WriteString(escapeXML(uid))
	sb.WriteString(fmt.Sprintf(`"/>
    <meta name="dtb:depth" content="%d"/>
    <meta name="dtb:totalPageCount" content="0"/>
    <meta name="dtb:maxPageNumber" content="0"/>
  </head>
  <docTitle>
    <text>`, maxDepth))
	sb.WriteString(escapeXML(b.doc.Metadata.Title))
	sb.WriteString(`</text>
  </docTitle>
  <navMap>
`)

	// Flat nav points keep every entry reachable without nesting rules.
	for i, e := range entries {
		sb.WriteString(fmt.Sprintf("    <navPoint id=\"navpoint-%d\" playOrder=\"%d\">\n", i+1, i+1))
		sb.WriteString(fmt.Sprintf("      <navLabel><text>%s</text></navLabel>\n", escapeXML(e.Title)))
		sb.WriteString(fmt.Sprintf("      <content src=\"%s\"/>\n", escapeXML(e.Href)))
		sb.WriteString("    </navPoint>\n")
	}

	sb.WriteString(`  </navMap>
</ncx>
`)

	return sb.String()
}
