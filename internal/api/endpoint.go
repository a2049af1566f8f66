// Package api defines the endpoint abstraction shared by the HTTP server and
// the CLI: each endpoint is one route plus the command that calls it.
package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint defines both an HTTP route and its corresponding CLI command.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	// Paths use chi patterns ("/api/jobs/{id}").
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit returns true if this endpoint needs the database and
	// queue connections to be up.
	RequiresInit() bool

	// Command returns a Cobra command that calls this endpoint via HTTP.
	// getServerURL is called at runtime to get the server URL.
	Command(getServerURL func() string) *cobra.Command
}
