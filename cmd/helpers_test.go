// File: cmd/helpers_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createTempConfig writes content as a config file and returns its path.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagerunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// fakeDriver enables the driver mode of the test binary for the processes
// spawned by the test and returns its path.
func fakeDriver(t *testing.T) string {
	t.Helper()
	t.Setenv(helperEnv, "1")
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}
