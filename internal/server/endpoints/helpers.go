package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/dispatch"
	"github.com/jackzampolin/codex/internal/jobs"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/svcctx"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps a service error to its status code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *dispatch.PartialPublishError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrActiveJob), errors.Is(err, jobs.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrNothingToDo):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &partial):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		svcctx.LoggerFrom(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// pathParam returns a chi URL parameter.
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// downloadFile streams a GET response into path. A failed download leaves
// no partial file behind.
func downloadFile(cmd *cobra.Command, client *api.Client, urlPath, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := client.Download(cmd.Context(), urlPath, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
