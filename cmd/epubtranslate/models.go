package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/config"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

var (
	modelsFilter    string
	modelsProviders string
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List OpenRouter models, or the upstream providers of one model",
	Long: `List the models OpenRouter offers with context length and price per
million tokens. With --providers <model>, list the upstream providers that
serve the model; use one as the provider field of a fallback spec to pin
routing.

Examples:
  epubtranslate models --filter deepseek
  epubtranslate models --providers deepseek/deepseek-v3.2-exp`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := loadEnv()
		if err != nil {
			return err
		}
		client := openRouterClient(e.cfg())

		if modelsProviders != "" {
			names, err := client.ListProviders(ctx, modelsProviders)
			if err != nil {
				return err
			}
			sort.Strings(names)
			if api.IsStructuredOutput() {
				return api.Output(names)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		models, err := client.ListModels(ctx)
		if err != nil {
			return err
		}
		filter := strings.ToLower(modelsFilter)
		var shown []providers.ModelInfo
		for _, m := range models {
			if filter == "" || strings.Contains(strings.ToLower(m.ID+" "+m.Name), filter) {
				shown = append(shown, m)
			}
		}
		sort.Slice(shown, func(i, j int) bool { return shown[i].ID < shown[j].ID })

		if api.IsStructuredOutput() {
			return api.Output(shown)
		}
		t := newTable("MODEL", "CONTEXT", "$/M IN", "$/M OUT")
		for _, m := range shown {
			t.Row(m.ID, fmt.Sprint(m.ContextLength), fmt.Sprintf("%.2f", m.PromptPrice), fmt.Sprintf("%.2f", m.OutputPrice))
		}
		fmt.Println(t.Render())
		return nil
	},
}

// openRouterClient builds a client from the first openrouter provider in
// the config, or an anonymous one.
func openRouterClient(cfg *config.Config) *providers.OpenRouterClient {
	reg := cfg.ToProviderRegistryConfig()
	names := make([]string, 0, len(reg.LLMProviders))
	for name := range reg.LLMProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := reg.LLMProviders[name]
		if p.Type == providers.TypeOpenRouter {
			return providers.NewOpenRouterClient(providers.OpenRouterConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, Timeout: p.Timeout})
		}
	}
	return providers.NewOpenRouterClient(providers.OpenRouterConfig{})
}

func init() {
	modelsCmd.Flags().StringVar(&modelsFilter, "filter", "", "only models whose id or name contains this text")
	modelsCmd.Flags().StringVar(&modelsProviders, "providers", "", "list upstream providers for this model instead")
}
