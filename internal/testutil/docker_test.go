package testutil

import (
	"regexp"
	"testing"

	"github.com/jackzampolin/codex/internal/devenv"
)

func TestUniqueContainerName(t *testing.T) {
	t.Run("sub test/with spaces", func(t *testing.T) {
		a := UniqueContainerName(t, "postgres")
		b := UniqueContainerName(t, "postgres")
		if a == b {
			t.Errorf("names collide: %s", a)
		}
		if !regexp.MustCompile(`^codex-test-postgres-[A-Za-z0-9-]+-[0-9a-f]{8}$`).MatchString(a) {
			t.Errorf("UniqueContainerName() = %q", a)
		}
	})
}

func TestContainerLabels(t *testing.T) {
	labels := ContainerLabels(t)
	if labels[devenv.TestLabel] != t.Name() {
		t.Errorf("labels = %v", labels)
	}
}

func TestContainerSafe(t *testing.T) {
	tests := []struct{ in, want string }{
		{"TestStore/postgres_roundtrip", "TestStore-postgres-roundtrip"},
		{"weird name!?", "weirdname"},
		{"TestAVeryLongNameThatKeepsGoingOnAndOn", "TestAVeryLongNameThatKeepsGoin"},
	}
	for _, tt := range tests {
		if got := containerSafe(tt.in); got != tt.want {
			t.Errorf("containerSafe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
