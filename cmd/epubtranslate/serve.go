package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/server"
	"github.com/BeetleBonsai798/EpubTranslate/internal/svcctx"
)

var (
	serveAddr     string
	serveRun      bool
	serveChapters string
)

var serveCmd = &cobra.Command{
	Use:   "serve <book.epub>",
	Short: "Serve run control and live progress over HTTP",
	Long: `Load a book and serve its translation over HTTP.

Endpoints:
  GET  /health /ready /status
  POST /run   {"chapters": "1-5"}
  POST /stop
  GET  /calls /calls/stats
  GET  /events                (websocket stream of run events)

Use the 'api' commands to talk to a running server.

Examples:
  epubtranslate serve novel.epub
  epubtranslate serve novel.epub --run --chapters 1-10 --addr :9000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		selection, err := config.ParseSelection(serveChapters)
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
		sched, err := b.scheduler()
		if err != nil {
			return err
		}

		addr := serveAddr
		if addr == "" {
			addr = b.cfg().Server.Addr
		}

		hub := server.NewHub(b.logger)
		p := newPrinter(os.Stdout, false)
		runner := server.NewRunner(ctx, sched, hub, p.handle, b.logger)
		srv := server.New(server.Config{
			Addr: addr,
			Services: &svcctx.Services{
				BookID:       b.id,
				Scheduler:    sched,
				Runner:       runner,
				Registry:     b.registry,
				LLMCallStore: b.calls,
				Logger:       b.logger,
			},
			Hub:    hub,
			Logger: b.logger,
		})

		if serveRun {
			if err := runner.Start(selection); err != nil {
				return err
			}
		}

		fmt.Fprintln(os.Stderr, headerStyle.Render(fmt.Sprintf("Serving %s on http://%s", b.id, addr)))
		err = srv.Start(ctx)
		runner.Stop()
		runner.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config server.addr)")
	serveCmd.Flags().BoolVar(&serveRun, "run", false, "start translating immediately")
	serveCmd.Flags().StringVarP(&serveChapters, "chapters", "c", "", "chapter selection for --run, e.g. 1-5,8")
}
