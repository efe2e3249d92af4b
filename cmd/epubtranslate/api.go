package main

import (
	"github.com/spf13/cobra"

	"github.com/BeetleBonsai798/EpubTranslate/internal/api"
	"github.com/BeetleBonsai798/EpubTranslate/internal/server/endpoints"
)

var apiServerURL string

var apiCmd = newAPICmd()

func newAPICmd() *cobra.Command {
	reg := api.NewRegistry()
	for _, ep := range endpoints.All() {
		reg.Register(ep)
	}
	cmd := reg.BuildCommands(func() string { return apiServerURL })
	cmd.PersistentFlags().StringVar(&apiServerURL, "server", "http://127.0.0.1:8321", "server URL")
	return cmd
}
