package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

// Registry holds all registered endpoints.
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds endpoints to the registry.
func (r *Registry) Register(eps ...Endpoint) {
	r.endpoints = append(r.endpoints, eps...)
}

// RegisterRoutes mounts every endpoint on router. initMiddleware wraps
// handlers that require full server initialization.
func (r *Registry) RegisterRoutes(router chi.Router, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		router.Method(method, path, handler)
	}
}

// BuildCommands returns a cobra.Command tree for all registered endpoints.
// Endpoints sharing a group are nested under it.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call the running codex server via HTTP.

These commands require a running server (codex serve).
Use --server to specify a custom server URL.

Examples:
  codex api health                      # Check server health
  codex api targets import <id> <file>  # Import chapters
  codex api targets analyze <id>        # Start an analysis job
  codex api jobs watch <job-id>         # Follow job progress`,
	}

	groups := map[string]*cobra.Command{}
	for _, ep := range r.endpoints {
		cmd := ep.Command(getServerURL)
		if cmd == nil {
			continue
		}
		g, ok := ep.(Grouped)
		if !ok {
			apiCmd.AddCommand(cmd)
			continue
		}
		parent, ok := groups[g.Group()]
		if !ok {
			parent = &cobra.Command{Use: g.Group(), Short: g.Group() + " commands"}
			groups[g.Group()] = parent
			apiCmd.AddCommand(parent)
		}
		parent.AddCommand(cmd)
	}

	return apiCmd
}

// Grouped is implemented by endpoints whose command lives under a parent
// command ("jobs", "targets").
type Grouped interface {
	Group() string
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
