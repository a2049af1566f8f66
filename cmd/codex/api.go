package main

import (
	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/server/endpoints"
)

var serverURL string

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	registry := api.NewRegistry()
	registry.Register(endpoints.All()...)
	apiCmd := registry.BuildCommands(getServerURL)

	// Persistent so all subcommands inherit it
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)
	rootCmd.AddCommand(apiCmd)
}
