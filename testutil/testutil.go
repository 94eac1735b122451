// Package testutil holds helpers shared by the config and CLI tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteConfig writes a YAML simulation config into a per-test directory and
// returns its path. The directory is removed when the test ends.
func WriteConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config %s: %v", path, err)
	}
	return path
}
