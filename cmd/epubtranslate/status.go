package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/runstate"
)

// ChapterStatus is one row of the status report.
type ChapterStatus struct {
	Index     int             `json:"index" yaml:"index"`
	Title     string          `json:"title" yaml:"title"`
	Status    runstate.Status `json:"status" yaml:"status"`
	Chunks    int             `json:"chunks" yaml:"chunks"`
	Completed int             `json:"completed" yaml:"completed"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// StatusReport is the structured output of status.
type StatusReport struct {
	Book     string           `json:"book" yaml:"book"`
	Source   string           `json:"source" yaml:"source"`
	Summary  runstate.Summary `json:"summary" yaml:"summary"`
	Chapters []ChapterStatus  `json:"chapters" yaml:"chapters"`
}

var statusCmd = &cobra.Command{
	Use:   "status <book.epub>",
	Short: "Show per-chapter translation progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		b, err := openBook(cmd.Context(), e, args[0])
		if err != nil {
			return err
		}
		defer b.Close()

		report := StatusReport{Book: b.id, Source: b.path, Summary: b.state.Summary()}
		for _, c := range b.state.Manifest().Chapters {
			report.Chapters = append(report.Chapters, ChapterStatus{
				Index:     c.Index,
				Title:     c.Title,
				Status:    c.Status,
				Chunks:    len(c.Chunks),
				Completed: c.Cursor(),
				Error:     c.Error,
			})
		}

		if api.IsStructuredOutput() {
			return api.Output(report)
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("%s (%s)", report.Book, report.Source)))
		fmt.Println(chapterTable(report.Chapters).Render())
		for _, c := range report.Chapters {
			if c.Error != "" {
				fmt.Println(errorStyle.Render(fmt.Sprintf("chapter %d: %s", c.Index, c.Error)))
			}
		}
		fmt.Println(renderSummary(report.Summary))
		return nil
	},
}

func chapterTable(chapters []ChapterStatus) *table.Table {
	t := newTable("#", "STATUS", "CHUNKS", "TITLE")
	for _, c := range chapters {
		chunks := "-"
		if c.Chunks > 0 {
			chunks = fmt.Sprintf("%d/%d", c.Completed, c.Chunks)
		}
		t.Row(fmt.Sprint(c.Index), styleStatus(c.Status), chunks, c.Title)
	}
	return t
}

func styleStatus(s runstate.Status) string {
	switch s {
	case runstate.Completed:
		return successStyle.Render(string(s))
	case runstate.Failed:
		return errorStyle.Render(string(s))
	case runstate.InProgress:
		return warnStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}
