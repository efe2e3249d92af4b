package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
)

var (
	translateChapters    string
	translateRetryFailed bool
	translateStream      bool
)

var translateCmd = &cobra.Command{
	Use:   "translate <book.epub>",
	Short: "Translate a book, resuming where the last run stopped",
	Long: `Translate the chapters of an EPUB.

Completed chapters are skipped and interrupted chapters resume at their
first unfinished chunk. Failed chapters are skipped unless --retry-failed
is given. Press Ctrl+C once to stop after the requests in flight; their
results are kept.

Examples:
  epubtranslate translate novel.epub
  epubtranslate translate novel.epub --chapters 1-5,8
  epubtranslate translate novel.epub --retry-failed --stream`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		selection, err := config.ParseSelection(translateChapters)
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
		if err := b.withProviders(ctx); err != nil {
			return err
		}

		if translateRetryFailed {
			retried, err := b.state.Retry(ctx, selection)
			if err != nil {
				return err
			}
			if len(retried) > 0 {
				b.logger.Info("retrying failed chapters", "chapters", retried)
			}
		}

		sched, err := b.scheduler()
		if err != nil {
			return err
		}
		if n := b.cfg().Translation.ConcurrentWorkers; n > 1 && sched.Concurrency() == 1 {
			b.logger.Warn("context mode translates one chapter at a time", "concurrent_workers", n)
		}

		p := newPrinter(os.Stdout, translateStream && sched.Concurrency() == 1)
		run := sched.Run(ctx, selection)
		for ev := range run.Events() {
			p.handle(ev)
		}
		if err := run.Wait(); err != nil {
			return err
		}
		if n := run.DroppedDeltas(); n > 0 {
			b.logger.Debug("chunk deltas dropped", "count", n)
		}

		if api.GetOutputFormat() == api.OutputFormatYAML {
			return api.Output(b.state.Summary())
		}
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "stopped; run the same command again to resume")
		}
		return nil
	},
}

func init() {
	translateCmd.Flags().StringVarP(&translateChapters, "chapters", "c", "", "chapter selection, e.g. 1-5,8 (default: all)")
	translateCmd.Flags().BoolVar(&translateRetryFailed, "retry-failed", false, "move failed chapters back to pending first")
	translateCmd.Flags().BoolVar(&translateStream, "stream", false, "print translated text as it streams (single worker only)")
}
