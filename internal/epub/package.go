package epub

import (
	"fmt"
	"strings"
)

// generatePackage creates the content.opf package document.
func (b *Builder) generatePackage(out layout) string {
	var sb strings.Builder
	md := b.doc.Metadata

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)

	sb.WriteString(fmt.Sprintf("    <dc:identifier id=\"pub-id\">%s</dc:identifier>\n", escapeXML(out.uid)))
	title := md.Title
	if title == "" {
		title = "Translated Book"
	}
	sb.WriteString(fmt.Sprintf("    <dc:title>%s</dc:title>\n", escapeXML(title)))
	for _, c := range md.Creators {
		sb.WriteString(fmt.Sprintf("    <dc:creator>%s</dc:creator>\n", escapeXML(c)))
	}
	sb.WriteString(fmt.Sprintf("    <dc:language>%s</dc:language>\n", escapeXML(b.language)))
	if md.Publisher != "" {
		sb.WriteString(fmt.Sprintf("    <dc:publisher>%s</dc:publisher>\n", escapeXML(md.Publisher)))
	}
	for _, d := range md.Descriptions {
		sb.WriteString(fmt.Sprintf("    <dc:description>%s</dc:description>\n", escapeXML(d)))
	}
	for _, d := range md.Dates {
		sb.WriteString(fmt.Sprintf("    <dc:date>%s</dc:date>\n", escapeXML(d)))
	}
	for _, s := range md.Sources {
		sb.WriteString(fmt.Sprintf("    <dc:source>%s</dc:source>\n", escapeXML(s)))
	}

	// Modified timestamp (required for ePub 3)
	sb.WriteString(fmt.Sprintf("    <meta property=\"dcterms:modified\">%s</meta>\n",
		b.now().UTC().Format("2006-01-02T15:04:05Z")))

	sb.WriteString("  </metadata>\n\n")

	sb.WriteString("  <manifest>\n")
	sb.WriteString(fmt.Sprintf("    <item id=\"%s\" href=\"%s\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n",
		uniqueID(out.items, "nav"), escapeXML(out.navHref)))
	sb.WriteString(fmt.Sprintf("    <item id=\"%s\" href=\"%s\" media-type=\"application/x-dtbncx+xml\"/>\n",
		uniqueID(out.items, "ncx"), escapeXML(out.ncxHref)))
	for _, it := range out.items {
		sb.WriteString(fmt.Sprintf("    <item id=\"%s\" href=\"%s\" media-type=\"%s\"",
			escapeXML(it.ID), escapeXML(it.Href), escapeXML(it.MediaType)))
		if it.Properties != "" {
			sb.WriteString(fmt.Sprintf(" properties=\"%s\"", escapeXML(it.Properties)))
		}
		sb.WriteString("/>\n")
	}
	sb.WriteString("  </manifest>\n\n")

	// Spine (reading order)
	sb.WriteString(fmt.Sprintf("  <spine toc=\"%s\">\n", uniqueID(out.items, "ncx")))
	for _, id := range out.spine {
		sb.WriteString(fmt.Sprintf("    <itemref idref=\"%s\"/>\n", escapeXML(id)))
	}
	sb.WriteString("  </spine>\n")

	sb.WriteString("</package>\n")

	return sb.String()
}

// uniqueID returns base, suffixed if a source item already uses it.
func uniqueID(items []Item, base string) string {
	id := base
	for n := 1; ; n++ {
		taken := false
		for _, it := range items {
			if it.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// escapeXML escapes special XML characters.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
