package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/errdefs"
)

var (
	rebuildChapters string
	rebuildKeepTOC  bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <book.epub>",
	Short: "Assemble the translated EPUB",
	Long: `Assemble the translated EPUB from completed chapters.

Every selected chapter must be completed; otherwise nothing is written.
The table of contents is translated in batches through the configured
providers unless --keep-toc is given. A failed batch keeps the source
titles for its entries.

The book is written to <home>/data/<book-id>/<book-id>_translated.epub.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		selection, err := config.ParseSelection(rebuildChapters)
		if err != nil {
			return err
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

		if !rebuildKeepTOC {
			if err := b.withProviders(ctx); err != nil {
				return err
			}
		}
		rb, err := b.rebuilder()
		if err != nil {
			return err
		}

		path, err := rb.Rebuild(ctx, selection)
		if errors.Is(err, errdefs.ErrRebuildPrecondition) {
			return fmt.Errorf("%w (run translate first)", err)
		}
		if err != nil {
			return err
		}

		if api.IsStructuredOutput() {
			return api.Output(map[string]string{"book": b.id, "output": path})
		}
		fmt.Println(successStyle.Render("wrote " + path))
		return nil
	},
}

func init() {
	rebuildCmd.Flags().StringVarP(&rebuildChapters, "chapters", "c", "", "chapter selection, e.g. 1-5,8 (default: all)")
	rebuildCmd.Flags().BoolVar(&rebuildKeepTOC, "keep-toc", false, "keep the source table of contents titles")
}
