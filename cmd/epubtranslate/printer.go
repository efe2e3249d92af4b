package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/jobs"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

var (
	headerColor  = lipgloss.Color("#F780FF")
	chapterColor = lipgloss.Color("#8BE9FD")
	mutedColor   = lipgloss.Color("#6272A4")
	warnColor    = lipgloss.Color("#FFB86C")
	errorColor   = lipgloss.Color("#FF5555")
	successColor = lipgloss.Color("#50FA7B")

	headerStyle  = lipgloss.NewStyle().Foreground(headerColor).Bold(true)
	chapterStyle = lipgloss.NewStyle().Foreground(chapterColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(successColor)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// newTable starts a listing table. Column widths are measured on the
// rendered cell, so cells may carry their own lipgloss styling.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
}

// printer renders run events. JSON output writes one event per line;
// YAML output stays quiet until the final summary.
type printer struct {
	w      io.Writer
	stream bool // print chunk deltas as they arrive
	enc    *json.Encoder

	midDelta bool
}

func newPrinter(w io.Writer, stream bool) *printer {
	p := &printer{w: w, stream: stream}
	if api.GetOutputFormat() == api.OutputFormatJSON {
		p.enc = json.NewEncoder(w)
	}
	return p
}

func (p *printer) handle(ev jobs.Event) {
	if ev.Type == jobs.ChunkDelta && !p.stream {
		return
	}
	if p.enc != nil {
		p.enc.Encode(ev)
		return
	}
	if api.IsStructuredOutput() {
		return
	}
	if ev.Type == jobs.ChunkDelta {
		fmt.Fprint(p.w, mutedStyle.Render(ev.Delta))
		p.midDelta = true
		return
	}
	if p.midDelta {
		fmt.Fprintln(p.w)
		p.midDelta = false
	}

	switch ev.Type {
	case jobs.RunStarted:
		fmt.Fprintln(p.w, headerStyle.Render(fmt.Sprintf("Translating %d chapter(s)", ev.Chunks)))
	case jobs.ChapterSkipped:
		fmt.Fprintln(p.w, mutedStyle.Render(fmt.Sprintf("  chapter %d %s: skipped (%s)", ev.Chapter, ev.Title, ev.Error)))
	case jobs.ChapterStarted:
		line := fmt.Sprintf("Chapter %d: %d chunk(s)", ev.Chapter, ev.Chunks)
		if ev.Resumed > 0 {
			line += fmt.Sprintf(", resuming at %d", ev.Resumed+1)
		}
		fmt.Fprintln(p.w, chapterStyle.Render(line))
	case jobs.ChapterRestarted:
		fmt.Fprintln(p.w, warnStyle.Render(fmt.Sprintf("  chapter %d: chunk boundaries changed, restarting", ev.Chapter)))
	case jobs.ChunkStarted:
		fmt.Fprintln(p.w, mutedStyle.Render(fmt.Sprintf("  chunk %d/%d", ev.Chunk+1, ev.Chunks)))
	case jobs.AttemptFailed:
		fmt.Fprintln(p.w, warnStyle.Render(fmt.Sprintf("  %s attempt %d failed: %s", ev.Spec, ev.Attempt, ev.Error)))
	case jobs.ChunkCompleted:
		fmt.Fprintln(p.w, successStyle.Render(fmt.Sprintf("  chunk %d/%d done via %s", ev.Chunk+1, ev.Chunks, ev.Spec)))
	case jobs.ContextUpdated:
		if ev.Context != nil && ev.Context.Changed() {
			fmt.Fprintln(p.w, mutedStyle.Render(fmt.Sprintf("  context: %d added, %d updated", ev.Context.Added, ev.Context.Updated)))
		}
		if ev.Notes {
			fmt.Fprintln(p.w, mutedStyle.Render("  notes updated"))
		}
	case jobs.ChapterCompleted:
		fmt.Fprintln(p.w, successStyle.Render(fmt.Sprintf("Chapter %d completed", ev.Chapter)))
	case jobs.ChapterFailed:
		where := ""
		if ev.Chunk >= 0 {
			where = fmt.Sprintf(" at chunk %d", ev.Chunk+1)
		}
		fmt.Fprintln(p.w, errorStyle.Render(fmt.Sprintf("Chapter %d failed%s: %s", ev.Chapter, where, ev.Error)))
	case jobs.ChapterInterrupted:
		fmt.Fprintln(p.w, warnStyle.Render(fmt.Sprintf("Chapter %d interrupted at chunk %d", ev.Chapter, ev.Chunk+1)))
	case jobs.RunFinished:
		if ev.Error != "" {
			fmt.Fprintln(p.w, errorStyle.Render("Run aborted: "+ev.Error))
		}
		if ev.Summary != nil {
			fmt.Fprintln(p.w, renderSummary(*ev.Summary))
		}
	}
}

func renderSummary(s runstate.Summary) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Summary"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  chapters: %s, %d pending, %d in progress, %s of %d\n",
		successStyle.Render(fmt.Sprintf("%d completed", s.Completed)),
		s.Pending, s.InProgress,
		failedText(s.Failed), s.Total)
	fmt.Fprintf(&b, "  chunks:   %d/%d", s.ChunksCompleted, s.ChunksTotal)
	return b.String()
}

func failedText(n int) string {
	text := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return errorStyle.Render(text)
	}
	return text
}
