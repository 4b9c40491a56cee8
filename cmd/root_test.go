// File: cmd/root_test.go
package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagerunner/internal/config"
)

// TestRootCmd_VersionFlag tests if the --version flag works correctly.
func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "pagerunner version "+Version)
}

// TestRootCmd_NoArgs tests the behavior when no arguments are provided.
func TestRootCmd_NoArgs(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "pagerunner runs browser test pages in parallel")
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "probe")
}

func TestConfigCommand(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		resetForTest(t)
		out, err := executeCommand(t, "config")
		require.NoError(t, err)
		assert.Contains(t, out, "parallel: 2")
		assert.Contains(t, out, "browser_retry: 1")
		assert.Contains(t, out, "screenshot_timeout: 2s")
	})

	t.Run("config file", func(t *testing.T) {
		resetForTest(t)
		path := createTempConfig(t, `
runner:
  browser_retry: 3
  page_timeout: 1m
driver:
  launch_rate: 4
`)
		out, err := executeCommand(t, "--config", path, "config")
		require.NoError(t, err)
		assert.Contains(t, out, "browser_retry: 3")
		assert.Contains(t, out, "page_timeout: 1m0s")
		assert.Contains(t, out, "launch_rate: 4")
	})

	t.Run("environment", func(t *testing.T) {
		resetForTest(t)
		t.Setenv("PAGERUNNER_RUNNER_PARALLEL", "5")
		out, err := executeCommand(t, "config")
		require.NoError(t, err)
		assert.Contains(t, out, "parallel: 5")
	})

	t.Run("invalid", func(t *testing.T) {
		resetForTest(t)
		path := createTempConfig(t, "runner:\n  browser_retry: -1\n")
		_, err := executeCommand(t, "--config", path, "config")
		assert.ErrorContains(t, err, "browser_retry must be >= 0")
	})

	t.Run("unreadable file", func(t *testing.T) {
		resetForTest(t)
		path := createTempConfig(t, "runner: [unclosed\n")
		_, err := executeCommand(t, "--config", path, "config")
		assert.ErrorContains(t, err, "error reading config file")
	})
}

// TestRunFlagOverride checks flags override the config file, which
// overrides the defaults.
func TestRunFlagOverride(t *testing.T) {
	resetForTest(t)
	path := createTempConfig(t, `
runner:
  parallel: 4
  browser_retry: 2
  testsuite: http://localhost:8080/test/testsuite.qunit.html
`)
	root := NewRootCommand()
	runCmd := findCommand(t, root, "run")

	var captured *config.Config
	runCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfigFromContext(cmd.Context())
		captured = cfg
		return err
	}

	root.SetArgs([]string{
		"--config", path, "run",
		"--parallel", "8",
		"--browser-arg=--headless", "--browser-arg=--window-size=1280,720",
		"--page-timeout", "90s",
		"--fail-fast",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, captured)

	assert.Equal(t, 8, captured.Runner.Parallel)
	assert.Equal(t, 2, captured.Runner.BrowserRetry)
	assert.Equal(t, []string{"--headless", "--window-size=1280,720"}, captured.Runner.BrowserArgs)
	assert.Equal(t, 90*time.Second, captured.Runner.PageTimeout)
	assert.True(t, captured.Runner.FailFast)
	assert.Equal(t, "http://localhost:8080/test/testsuite.qunit.html", captured.Runner.Testsuite)
	assert.Equal(t, 2*time.Second, captured.Runner.ScreenshotTimeout)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestExitCodeError(t *testing.T) {
	err := error(&ExitCodeError{Code: 3})
	var exitErr *ExitCodeError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "3 page(s) failed", err.Error())
}
