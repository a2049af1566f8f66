package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-codex")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-codex" {
			t.Errorf("expected path /tmp/test-codex, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-codex")

	tests := []struct {
		name, got, want string
	}{
		{"DataPath", dir.DataPath(), "/tmp/test-codex/data"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-codex/config.yaml"},
		{"DatabaseDSN", dir.DatabaseDSN(), "file:/tmp/test-codex/data/codex.db"},
		{"ServiceDataPath", dir.ServiceDataPath("postgres"), "/tmp/test-codex/data/postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	dir, _ := New(filepath.Join(t.TempDir(), "codex"))

	if dir.Exists() {
		t.Fatal("directory should not exist yet")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if !dir.Exists() {
		t.Error("home directory not created")
	}
	if _, err := os.Stat(dir.DataPath()); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
	if dir.ConfigExists() {
		t.Error("config should not exist")
	}
	if err := os.WriteFile(dir.ConfigPath(), []byte("log: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !dir.ConfigExists() {
		t.Error("config not detected")
	}
}
