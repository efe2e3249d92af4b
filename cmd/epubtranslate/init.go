package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/home"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config into the home directory",
	Long: `Create the home directory and write config.yaml with the default
settings. API keys are read from the environment or from <home>/.env,
e.g. OPENROUTER_API_KEY=sk-or-...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		if h.ConfigExists() && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", h.ConfigPath())
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("wrote " + h.ConfigPath()))
		fmt.Println(mutedStyle.Render("set OPENROUTER_API_KEY in your shell or in " + h.EnvPath()))
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
}
