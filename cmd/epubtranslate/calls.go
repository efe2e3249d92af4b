package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/home"
	"github.com/BeetleBonsai798/EpubTranslate/internal/llmcall"
)

var (
	callsList    bool
	callsChapter int
	callsFailed  bool
	callsLimit   int
)

var callsCmd = &cobra.Command{
	Use:   "calls <book.epub>",
	Short: "Show LLM attempt statistics per provider spec",
	Long: `Show attempts, failures, tokens, cost and latency per provider spec
from the book's call log. With --list, show individual calls instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := loadEnv()
		if err != nil {
			return err
		}
		id := home.BookID(args[0])
		if _, err := os.Stat(e.home.CallsDBPath(id)); err != nil {
			return fmt.Errorf("no call log for %s: run translate first", id)
		}
		store, err := llmcall.Open(e.home.CallsDBPath(id))
		if err != nil {
			return err
		}
		defer store.Close()

		filter := llmcall.QueryFilter{BookID: id}
		if cmd.Flags().Changed("chapter") {
			filter.Chapter = &callsChapter
		}
		if callsFailed {
			f := false
			filter.Success = &f
		}

		if callsList {
			filter.Limit = callsLimit
			calls, err := store.List(ctx, filter)
			if err != nil {
				return err
			}
			if api.IsStructuredOutput() {
				return api.Output(calls)
			}
			t := newTable("TIME", "CHAPTER", "CHUNK", "SPEC", "ATTEMPT", "OK", "TOKENS", "LATENCY", "ERROR")
			for _, c := range calls {
				ok := successStyle.Render("yes")
				if !c.Success {
					ok = errorStyle.Render("no")
				}
				t.Row(c.Timestamp.Format("01-02 15:04:05"),
					strconv.Itoa(c.Chapter), strconv.Itoa(c.Chunk), c.Spec, strconv.Itoa(c.Attempt), ok,
					fmt.Sprintf("%d/%d", c.InputTokens, c.OutputTokens),
					fmt.Sprintf("%dms", c.LatencyMs), c.ErrorKind)
			}
			fmt.Println(t.Render())
			return nil
		}

		stats, err := store.Stats(ctx, filter)
		if err != nil {
			return err
		}
		if api.IsStructuredOutput() {
			return api.Output(stats)
		}
		if len(stats) == 0 {
			fmt.Println(mutedStyle.Render("no calls recorded"))
			return nil
		}
		t := newTable("SPEC", "ATTEMPTS", "OK", "FAILED", "IN", "OUT", "COST", "AVG LATENCY", "LAST ERROR")
		for _, s := range stats {
			t.Row(s.Spec, strconv.Itoa(s.Attempts), strconv.Itoa(s.Successes), strconv.Itoa(s.Failures),
				strconv.Itoa(s.InputTokens), strconv.Itoa(s.OutputTokens),
				fmt.Sprintf("$%.4f", s.CostUSD), fmt.Sprintf("%.0fms", s.AvgLatencyMs),
				errorStyle.Render(s.LastErrorKind))
		}
		fmt.Println(t.Render())
		return nil
	},
}

func init() {
	callsCmd.Flags().BoolVar(&callsList, "list", false, "list individual calls")
	callsCmd.Flags().IntVar(&callsChapter, "chapter", 0, "only calls for this chapter")
	callsCmd.Flags().BoolVar(&callsFailed, "failed", false, "only failed calls")
	callsCmd.Flags().IntVar(&callsLimit, "limit", 50, "max calls with --list")
}
