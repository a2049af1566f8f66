package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if len(cfg.Tiers) < 2 {
		t.Error("expected a primary and a fallback tier")
	}
	if cfg.Tiers[0].APIKeys[0] != "${OPENROUTER_API_KEY}" {
		t.Error("expected openrouter API key placeholder")
	}

	// Every attempt on every tier times out, with full backoff in between.
	var ladder time.Duration
	for _, tier := range cfg.Tiers {
		n := time.Duration(tier.MaxRetries)
		backoff := time.Duration(float64(cfg.Analysis.MaxDelay.Std()) * (1 + cfg.Analysis.Jitter))
		ladder += n*tier.Timeout.Std() + (n-1)*backoff
	}
	if cfg.Worker.Timeout.Std() <= ladder {
		t.Errorf("worker timeout %v does not cover the tier ladder (%v)", cfg.Worker.Timeout, ladder)
	}
	if cfg.Queues.VisibilityTimeout.Std() <= cfg.Worker.Timeout.Std() {
		t.Errorf("visibility timeout %v must exceed worker timeout %v", cfg.Queues.VisibilityTimeout, cfg.Worker.Timeout)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("expands inside a larger string", func(t *testing.T) {
		t.Setenv("TEST_DB_PASS", "hunter2")
		result := ResolveEnvVars("postgres://codex:${TEST_DB_PASS}@db/codex")
		if result != "postgres://codex:hunter2@db/codex" {
			t.Errorf("got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestConfig_RegistryConfig(t *testing.T) {
	t.Setenv("TEST_KEY_A", "key-a")

	cfg := DefaultConfig()
	cfg.Tiers = []TierCfg{{
		Name:     "primary",
		Provider: "openai",
		Model:    "gpt-4.1",
		APIKeys:  []string{"${TEST_KEY_A}", "${DEFINITELY_NOT_SET_12345}", "literal"},
		Timeout:  Duration(time.Minute),
	}}

	rc := cfg.RegistryConfig()
	if len(rc.Tiers) != 1 {
		t.Fatalf("tiers = %d", len(rc.Tiers))
	}
	got := rc.Tiers[0]
	if strings.Join(got.APIKeys, ",") != "key-a,literal" {
		t.Errorf("keys = %v, want unresolved keys dropped", got.APIKeys)
	}
	if got.Timeout != time.Minute {
		t.Errorf("timeout = %v", got.Timeout)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file over defaults", func(t *testing.T) {
		path := writeConfig(t, `
redis:
  addr: "redis.internal:6380"
notifier:
  interval: 500ms
tiers:
  - name: only
    provider: mock
    model: scripted
`)
		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Redis.Addr != "redis.internal:6380" {
			t.Errorf("redis addr = %s", cfg.Redis.Addr)
		}
		if cfg.Notifier.Interval.Std() != 500*time.Millisecond {
			t.Errorf("notifier interval = %v", cfg.Notifier.Interval)
		}
		if len(cfg.Tiers) != 1 || cfg.Tiers[0].Name != "only" {
			t.Errorf("tiers = %+v", cfg.Tiers)
		}
		// Untouched sections keep their defaults.
		if cfg.Sweeper.Schedule != "@every 1m" {
			t.Errorf("sweeper schedule = %q", cfg.Sweeper.Schedule)
		}
		if cfg.Worker.Timeout.Std() != 20*time.Minute {
			t.Errorf("worker timeout = %v", cfg.Worker.Timeout)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "log:\n  level: debug\n")
		t.Setenv("CODEX_LOG_LEVEL", "warn")
		t.Setenv("CODEX_DATABASE_DSN", "postgres://env/codex")

		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Log.Level != "warn" {
			t.Errorf("log level = %q, want env value", cfg.Log.Level)
		}
		if cfg.Database.DSN != "postgres://env/codex" {
			t.Errorf("dsn = %q", cfg.Database.DSN)
		}
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		path := writeConfig(t, `
database:
  driver: mysql
sweeper:
  complete_threshold: 1.5
`)
		_, err := NewManager(path)
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, field := range []string{"Driver", "CompleteThreshold"} {
			if !strings.Contains(err.Error(), field) {
				t.Errorf("error %q does not name %s", err, field)
			}
		}
	})

	t.Run("rejects visibility at or below worker timeout", func(t *testing.T) {
		path := writeConfig(t, "worker:\n  timeout: 30m\nqueues:\n  visibility_timeout: 30m\n")
		_, err := NewManager(path)
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !strings.Contains(err.Error(), "visibility_timeout") {
			t.Errorf("error %q does not name visibility_timeout", err)
		}
	})

	t.Run("rejects identical queue names", func(t *testing.T) {
		path := writeConfig(t, "queues:\n  analysis: same\n  translation: same\n")
		if _, err := NewManager(path); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "stale_after: 30m0s") {
		t.Errorf("durations not written in readable form:\n%s", data)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("written defaults do not load: %v", err)
	}
	if got, want := mgr.Get().Sweeper.StaleAfter, DefaultConfig().Sweeper.StaleAfter; got != want {
		t.Errorf("stale_after = %v, want %v", got, want)
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "log:\n  level: info\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "log:\n  level: info\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = mgr.Get().Log.Level
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, "analysis:\n  target_language: French\n")

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if got := mgr.Get().Analysis.TargetLanguage; got != "French" {
		t.Errorf("initial value mismatch: got %s", got)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Value
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(cfg.Analysis.TargetLanguage)
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("analysis:\n  target_language: German\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && callbackCount.Load() == 0 {
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Analysis.TargetLanguage; got != "German" {
		t.Errorf("config not updated: got %s", got)
	}
	if v := lastValue.Load(); v != "German" {
		t.Errorf("callback received wrong value: got %v", v)
	}
}
