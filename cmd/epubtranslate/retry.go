package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
)

var (
	retryChapters string
	retryReset    bool
)

var retryCmd = &cobra.Command{
	Use:   "retry <book.epub>",
	Short: "Move failed chapters back to pending",
	Long: `Move failed chapters back to pending so the next translate run picks
them up. Completed chunks of those chapters are kept.

With --reset the selected chapters lose all progress, completed ones
included, and are translated from scratch. --reset requires --chapters.

Examples:
  epubtranslate retry novel.epub                    # every failed chapter
  epubtranslate retry novel.epub --chapters 3,7
  epubtranslate retry novel.epub --chapters 4 --reset`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		selection, err := config.ParseSelection(retryChapters)
		if err != nil {
			return err
		}
		if retryReset && len(selection) == 0 {
			return fmt.Errorf("--reset requires --chapters")
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		b, err := openBook(ctx, e, args[0])
		if err != nil {
			return err
		}
		defer b.Close()

		var changed []int
		if retryReset {
			if err := b.state.Reset(ctx, selection); err != nil {
				return err
			}
			changed = selection
		} else {
			changed, err = b.state.Retry(ctx, selection)
			if err != nil {
				return err
			}
		}

		if api.IsStructuredOutput() {
			return api.Output(map[string]any{"chapters": changed, "reset": retryReset})
		}
		switch {
		case len(changed) == 0:
			fmt.Println(mutedStyle.Render("nothing to retry"))
		case retryReset:
			fmt.Println(successStyle.Render(fmt.Sprintf("reset chapters %v", changed)))
		default:
			fmt.Println(successStyle.Render(fmt.Sprintf("chapters %v are pending again", changed)))
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVarP(&retryChapters, "chapters", "c", "", "chapter selection, e.g. 1-5,8 (default: all failed)")
	retryCmd.Flags().BoolVar(&retryReset, "reset", false, "discard all progress of the selected chapters")
}
