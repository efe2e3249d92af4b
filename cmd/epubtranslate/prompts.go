package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/home"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/toc"
	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts/translate"
)

var promptsBook string

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and override prompt templates",
	Long: `Prompts are Go templates with embedded defaults. An override in
<home>/prompts/<key>.tmpl applies to every book; --book scopes it to one.

Examples:
  epubtranslate prompts list
  epubtranslate prompts show translate.system --book novel.epub
  epubtranslate prompts set translate.system my-system.tmpl
  epubtranslate prompts reset translate.system`,
}

// promptsEnv returns a resolver with every prompt registered and the book
// ID selected by --book, which takes an ID or an EPUB path.
func promptsEnv() (*prompts.Resolver, *prompts.Store, string, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, nil, "", err
	}
	store := prompts.NewStore(e.home.PromptsDir(), e.logger)
	r := prompts.NewResolver(store, e.logger)
	translate.RegisterPrompts(r)
	toc.RegisterPrompts(r)

	id := promptsBook
	if strings.HasSuffix(strings.ToLower(id), ".epub") {
		id = home.BookID(id)
	}
	return r, store, id, nil
}

func knownPrompt(r *prompts.Resolver, key string) error {
	if _, ok := r.GetEmbedded(key); !ok {
		return fmt.Errorf("unknown prompt %q (see 'epubtranslate prompts list')", key)
	}
	return nil
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts and where each resolves from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, _, id, err := promptsEnv()
		if err != nil {
			return err
		}
		var resolved []*prompts.ResolvedPrompt
		for _, p := range r.AllEmbedded() {
			rp, err := r.Resolve(ctx, p.Key, id)
			if err != nil {
				return err
			}
			resolved = append(resolved, rp)
		}
		if api.IsStructuredOutput() {
			return api.Output(resolved)
		}
		t := newTable("KEY", "SOURCE", "HASH", "VARIABLES")
		for _, rp := range resolved {
			t.Row(rp.Key, string(rp.Source), mutedStyle.Render(rp.Hash[:12]), strings.Join(rp.Variables, ","))
		}
		fmt.Println(t.Render())
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the resolved text of a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, id, err := promptsEnv()
		if err != nil {
			return err
		}
		if err := knownPrompt(r, args[0]); err != nil {
			return err
		}
		rp, err := r.Resolve(cmd.Context(), args[0], id)
		if err != nil {
			return err
		}
		if api.IsStructuredOutput() {
			return api.Output(rp)
		}
		fmt.Fprintln(os.Stderr, mutedStyle.Render(fmt.Sprintf("# %s (%s)", rp.Key, rp.Source)))
		fmt.Print(rp.Text)
		if !strings.HasSuffix(rp.Text, "\n") {
			fmt.Println()
		}
		return nil
	},
}

var promptsSetCmd = &cobra.Command{
	Use:   "set <key> <file|->",
	Short: "Override a prompt with the contents of a file, or stdin with -",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, id, err := promptsEnv()
		if err != nil {
			return err
		}
		if err := knownPrompt(r, args[0]); err != nil {
			return err
		}
		var data []byte
		if args[1] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}
		if err := store.Set(cmd.Context(), id, args[0], string(data)); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("override saved for " + args[0]))
		return nil
	},
}

var promptsResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Remove an override so the default applies again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, id, err := promptsEnv()
		if err != nil {
			return err
		}
		if err := knownPrompt(r, args[0]); err != nil {
			return err
		}
		if err := store.Delete(cmd.Context(), id, args[0]); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("override removed for " + args[0]))
		return nil
	},
}

func init() {
	promptsCmd.PersistentFlags().StringVar(&promptsBook, "book", "", "book ID or EPUB path to scope overrides to")
	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd, promptsSetCmd, promptsResetCmd)
}
