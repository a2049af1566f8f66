package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/swaggo/swag"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/jackzampolin/codex/docs/swagger"
	"github.com/jackzampolin/codex/internal/api"
)

// SwaggerEndpoint serves the OpenAPI spec compiled into the binary.
type SwaggerEndpoint struct{}

func (e *SwaggerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/swagger.json", e.handler
}

func (e *SwaggerEndpoint) RequiresInit() bool { return false }

func (e *SwaggerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(swagger.SwaggerInfo.InstanceName())
	if err != nil {
		writeError(w, http.StatusNotFound, "swagger spec not registered")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write([]byte(doc))
}

func (e *SwaggerEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "swagger",
		Short: "Fetch OpenAPI spec from server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var spec map[string]json.RawMessage
			if err := client.Get(cmd.Context(), "/swagger.json", &spec); err != nil {
				return err
			}
			return api.Output(spec)
		},
	}
}

// SwaggerUIEndpoint serves Swagger UI under /swagger/.
type SwaggerUIEndpoint struct{}

func (e *SwaggerUIEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json"))
}

func (e *SwaggerUIEndpoint) RequiresInit() bool { return false }

func (e *SwaggerUIEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:    "swagger-ui",
		Hidden: true,
		Short:  "Print the Swagger UI address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println("Open in browser:", getServerURL()+"/swagger/index.html")
			return nil
		},
	}
}
