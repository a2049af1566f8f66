package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ServerConfig holds the values a test needs to run the HTTP server
// against throwaway backing services.
type ServerConfig struct {
	Host        string
	Port        string
	DatabaseDSN string
	RedisAddr   string
	Logger      *slog.Logger
}

// NewServerConfig allocates a free port, a temporary SQLite database and an
// in-process Redis for one test.
func NewServerConfig(t *testing.T) ServerConfig {
	t.Helper()

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for HTTP: %v", err)
	}
	mr := NewMiniredis(t)

	return ServerConfig{
		Host:        "127.0.0.1",
		Port:        port,
		DatabaseDSN: "file:" + filepath.Join(t.TempDir(), "codex.db"),
		RedisAddr:   mr.Addr(),
		Logger:      Logger(t),
	}
}

// URL returns the server URL for the given config.
func (c ServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%s", c.Host, c.Port)
}

// Logger returns a logger for tests. Output is discarded unless
// CODEX_TEST_LOG is set.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if os.Getenv("CODEX_TEST_LOG") == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// ReadyResponse matches the server's /ready body.
type ReadyResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// WaitForServer polls /ready until the server reports ready.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/ready")
		if err == nil {
			var ready ReadyResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&ready)
			resp.Body.Close()
			if decodeErr == nil && resp.StatusCode == http.StatusOK && ready.Status == "ready" {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// HTTPClient returns an HTTP client for making requests.
func HTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// StartServer is a helper type for managing server lifecycle in tests.
// Usage:
//
//	cfg := testutil.NewServerConfig(t)
//	ctx, cancel := context.WithCancel(context.Background())
//	done := make(chan error, 1)
//	go func() { done <- srv.Start(ctx) }()
//	starter := testutil.StartServer{Cancel: cancel, Done: done}
//	t.Cleanup(starter.Stop)
type StartServer struct {
	Cancel context.CancelFunc
	Done   <-chan error
}

// Stop cancels the server context and waits for shutdown.
func (s *StartServer) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Done != nil {
		<-s.Done
	}
}
