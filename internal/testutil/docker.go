package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/codex/internal/devenv"
)

// RequireDocker skips t when no Docker daemon answers. Containers labelled
// for t are removed when it finishes.
func RequireDocker(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := devenv.Ping(ctx); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := devenv.RemoveLabeled(ctx, devenv.TestLabel, t.Name())
		if err != nil {
			t.Logf("container cleanup: %v", err)
		}
		for _, name := range removed {
			t.Logf("removed container %s", name)
		}
	})
}

// UniqueContainerName names a container after the test that owns it:
// codex-test-<service>-<test>-<suffix>.
func UniqueContainerName(t testing.TB, service string) string {
	return strings.Join([]string{devenv.TestLabel, service, containerSafe(t.Name()), uuid.NewString()[:8]}, "-")
}

// ContainerLabels ties a container to t for cleanup. Leftovers from
// interrupted runs are removed by "codex dev remove --tests".
func ContainerLabels(t testing.TB) map[string]string {
	return map[string]string{devenv.TestLabel: t.Name()}
}

// containerSafe keeps the characters Docker accepts in names, mapping
// subtest separators to dashes.
func containerSafe(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '/', r == '_', r == '-':
			return '-'
		}
		return -1
	}, name)
	if len(out) > 30 {
		out = out[:30]
	}
	return out
}
