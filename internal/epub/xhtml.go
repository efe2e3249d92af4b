package epub

import (
	"fmt"
	"regexp"
	"strings"
)

// generateChapterXHTML renders a translated chapter. The document keeps
// the source href, so the source stylesheet and image links still resolve.
func (b *Builder) generateChapterXHTML(ch Chapter, tr translated) string {
	var sb strings.Builder

	title := tr.title
	if title == "" {
		title = ch.Title
	}

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops"`)
	sb.WriteString(fmt.Sprintf(" xml:lang=\"%s\" lang=\"%s\">\n<head>\n  <title>", escapeXML(b.language), escapeXML(b.language)))
	sb.WriteString(escapeXML(title))
	sb.WriteString("</title>\n")
	for _, css := range ch.stylesheets {
		sb.WriteString(fmt.Sprintf("  <link rel=\"stylesheet\" type=\"text/css\" href=\"%s\"/>\n", escapeXML(css)))
	}
	sb.WriteString("</head>\n<body>\n")

	sb.WriteString(markdownToXHTML(tr.text, title))

	sb.WriteString("\n</body>\n</html>\n")

	return sb.String()
}

var (
	imageRe  = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
)

// markdownToXHTML converts chapter markdown to XHTML body content. Blank
// lines separate paragraphs and a single newline inside a paragraph
// becomes a line break.
func markdownToXHTML(md, title string) string {
	if strings.TrimSpace(md) == "" {
		return fmt.Sprintf("<h1>%s</h1>\n", escapeXML(title))
	}

	lines := strings.Split(md, "\n")
	var result strings.Builder
	var inParagraph, inQuote bool

	closeBlock := func() {
		if inParagraph {
			result.WriteString("</p>\n")
			inParagraph = false
		}
		if inQuote {
			result.WriteString("</p></blockquote>\n")
			inQuote = false
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			closeBlock()
			continue
		}

		if level, text, ok := heading(trimmed); ok {
			closeBlock()
			result.WriteString(fmt.Sprintf("<h%d>%s</h%d>\n", level, processInlineFormatting(text), level))
			continue
		}

		if trimmed == "---" || trimmed == "***" || trimmed == "___" {
			closeBlock()
			result.WriteString("<hr/>\n")
			continue
		}

		if trimmed == ">" || strings.HasPrefix(trimmed, "> ") {
			text := strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
			if inParagraph {
				closeBlock()
			}
			if !inQuote {
				result.WriteString("<blockquote><p>")
				inQuote = true
			} else {
				result.WriteString("<br/>")
			}
			result.WriteString(processInlineFormatting(text))
			continue
		}

		if inQuote {
			closeBlock()
		}
		if !inParagraph {
			result.WriteString("<p>")
			inParagraph = true
		} else {
			result.WriteString("<br/>")
		}
		result.WriteString(processInlineFormatting(trimmed))
	}
	closeBlock()

	return result.String()
}

// heading recognizes "# ", "## " and "### " lines.
func heading(line string) (int, string, bool) {
	for level := 3; level >= 1; level-- {
		prefix := strings.Repeat("#", level) + " "
		if strings.HasPrefix(line, prefix) {
			return level, strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return 0, "", false
}

// processInlineFormatting handles images, bold and italic.
func processInlineFormatting(text string) string {
	// Images are swapped for placeholders first so asterisks or
	// underscores in a src never read as emphasis.
	var images []string
	text = imageRe.ReplaceAllStringFunc(text, func(match string) string {
		m := imageRe.FindStringSubmatch(match)
		images = append(images, fmt.Sprintf("<img src=\"%s\" alt=\"%s\"/>", escapeXML(m[2]), escapeXML(m[1])))
		return fmt.Sprintf("\x00%d\x00", len(images)-1)
	})

	text = escapeXML(text)

	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = italicRe.ReplaceAllString(text, "<em>$1</em>")

	for i, img := range images {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), img, 1)
	}
	return text
}
