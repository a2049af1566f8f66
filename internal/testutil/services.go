package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/codex/internal/devenv"
	"github.com/jackzampolin/codex/internal/store"
)

// NewStore opens a migrated SQLite store in the test's temp dir.
func NewStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "codex.db"),
	}, Logger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewMiniredis starts an in-process Redis that stops with the test.
func NewMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

// NewRedis returns a client connected to a fresh in-process Redis.
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := NewMiniredis(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

// PostgresDSN starts a throwaway Postgres container and returns its DSN.
// It is skipped in -short mode and when Docker is unavailable.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	RequireDocker(t)

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	cfg := devenv.PostgresConfig{
		ContainerName: UniqueContainerName(t, "postgres"),
		HostPort:      port,
		Labels:        ContainerLabels(t),
	}
	mgr, err := devenv.NewManager(devenv.Postgres(cfg))
	if err != nil {
		t.Fatalf("devenv.NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	return cfg.DSN()
}
