package version

import (
	"strings"
	"testing"
)

func TestInfoIncludesVersion(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	out := Info()
	if !strings.HasPrefix(out, "candlesync 1.2.3\n") || !strings.Contains(out, "commit: abc123") {
		t.Fatalf("unexpected info %q", out)
	}
}
