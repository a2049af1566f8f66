package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

type fakeEndpoint struct {
	method, path, group string
	init                bool
}

func (e *fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return e.method, e.path, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chi.URLParam(r, "id"))
	}
}

func (e *fakeEndpoint) RequiresInit() bool { return e.init }

func (e *fakeEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: strings.TrimPrefix(e.path, "/")}
}

type groupedEndpoint struct{ fakeEndpoint }

func (e *groupedEndpoint) Group() string { return e.group }

func TestRegistry_RegisterRoutes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(
		&fakeEndpoint{method: "GET", path: "/open/{id}"},
		&fakeEndpoint{method: "GET", path: "/guarded/{id}", init: true},
	)

	router := chi.NewRouter()
	reg.RegisterRoutes(router, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/open/abc", http.StatusOK, "abc"},
		{"/guarded/abc", http.StatusServiceUnavailable, ""},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.code)
		}
		if tt.body != "" && rec.Body.String() != tt.body {
			t.Errorf("%s: body = %q, want %q", tt.path, rec.Body.String(), tt.body)
		}
	}
}

func TestRegistry_BuildCommands(t *testing.T) {
	reg := NewRegistry()
	reg.Register(
		&fakeEndpoint{method: "GET", path: "/health"},
		&groupedEndpoint{fakeEndpoint{method: "GET", path: "/list", group: "jobs"}},
		&groupedEndpoint{fakeEndpoint{method: "GET", path: "/get", group: "jobs"}},
	)

	root := reg.BuildCommands(func() string { return "" })
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	if strings.Join(names, ",") != "health,jobs" {
		t.Fatalf("top-level commands = %v", names)
	}
	jobs, _, err := root.Find([]string{"jobs", "get"})
	if err != nil || jobs.Name() != "get" {
		t.Errorf("jobs get not nested: %v", err)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"target already has an active job"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Post(context.Background(), "/x", map[string]string{}, nil)
	if err == nil || !strings.Contains(err.Error(), "(409): target already has an active job") {
		t.Errorf("Post() error = %v", err)
	}
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: job_started\ndata: {\"a\":1}\n\n")
		fmt.Fprint(w, "event: job_completed\ndata: {\"a\":2}\n\n")
	}))
	defer srv.Close()

	var got []string
	err := NewClient(srv.URL).Stream(context.Background(), "/events", func(event string, data []byte) error {
		got = append(got, event+" "+string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	want := `job_started {"a":1}|job_completed {"a":2}`
	if strings.Join(got, "|") != want {
		t.Errorf("events = %v", got)
	}
}

func TestOutputTo(t *testing.T) {
	data := struct {
		JobID string `json:"jobId"`
		Count int    `json:"count"`
	}{"j1", 2}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "jobId: j1") {
		t.Errorf("yaml output does not use json names:\n%s", buf.String())
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"count": 2`) {
		t.Errorf("json output = %s", buf.String())
	}
}
