package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jackzampolin/codex/internal/testutil"
)

// startServer runs a server for the test and stops it on cleanup.
func startServer(t *testing.T, sc testutil.ServerConfig, opts ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{Config: testConfig(sc), Logger: sc.Logger}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	starter := testutil.StartServer{Cancel: cancel, Done: done}
	t.Cleanup(starter.Stop)

	if err := testutil.WaitForServer(sc.URL(), 15*time.Second); err != nil {
		t.Fatalf("server did not become ready: %v", err)
	}
	return srv
}

func TestServer_StartStop(t *testing.T) {
	sc := testutil.NewServerConfig(t)
	srv, err := New(Config{Config: testConfig(sc), Logger: sc.Logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	if err := testutil.WaitForServer(sc.URL(), 15*time.Second); err != nil {
		cancel()
		t.Fatalf("server did not become ready: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}
	if srv.Services() == nil {
		t.Error("Services() = nil while serving")
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() succeeded")
	}

	cancel()
	if err := testutil.WaitForShutdown(done, 10*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
	if srv.Services() != nil {
		t.Error("services not released after shutdown")
	}

	resp, err := testutil.HTTPClient().Get(sc.URL() + "/health")
	if err == nil {
		resp.Body.Close()
		t.Error("server still answering after shutdown")
	}
}

func TestServer_StatusReportsTiersAndQueues(t *testing.T) {
	sc := testutil.NewServerConfig(t)
	startServer(t, sc)

	var status struct {
		Server string `json:"server"`
		Tiers  []struct {
			Name     string `json:"name"`
			Provider string `json:"provider"`
			Keys     int    `json:"keys"`
		} `json:"tiers"`
		Queues []struct {
			Name    string `json:"name"`
			Pending int64  `json:"pending"`
		} `json:"queues"`
	}
	getJSON(t, sc.URL()+"/status", http.StatusOK, &status)

	if status.Server != "running" {
		t.Errorf("server = %q", status.Server)
	}
	if len(status.Tiers) != 1 || status.Tiers[0].Provider != "mock" || status.Tiers[0].Keys != 1 {
		t.Errorf("tiers = %+v", status.Tiers)
	}
	if len(status.Queues) != 2 {
		t.Fatalf("queues = %+v", status.Queues)
	}
	if status.Queues[0].Name != "codex:analysis" || status.Queues[1].Name != "codex:translation" {
		t.Errorf("queue names = %q, %q", status.Queues[0].Name, status.Queues[1].Name)
	}
}

func TestServer_EmbeddedSweeper(t *testing.T) {
	sc := testutil.NewServerConfig(t)
	cfg := testConfig(sc)
	cfg.Server.EmbeddedSweeper = true
	cfg.Sweeper.Schedule = "@every 1s"
	startServer(t, sc, func(c *Config) { c.Config = cfg })

	// The server stays healthy with the sweeper running alongside it.
	time.Sleep(1500 * time.Millisecond)
	getJSON(t, sc.URL()+"/health", http.StatusOK, nil)
}
