// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// helperEnv turns the test binary into a browser driver.
const helperEnv = "PAGERUNNER_TEST_CMD_DRIVER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runFakeDriver(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakeDriver behaves like a browser driver. In probe mode it reports
// default capabilities. Testsuite pages declare two pages, pages whose URL
// contains "fail" report one failed test, the others pass.
func runFakeDriver(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "expected the launch configuration path")
		return 10
	}
	cfg, err := protocol.ReadLaunchConfig(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 11
	}
	if cfg.Capabilities != "" {
		if err := protocol.WriteCapabilities(cfg.Capabilities, protocol.CapabilityDescriptor{}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 12
		}
		return 0
	}

	conn, err := protocol.OpenChildConn()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 13
	}
	defer conn.Close()

	switch {
	case strings.Contains(cfg.URL, "testsuite"):
		_ = conn.Send(protocol.TestPages{Pages: []string{"unit/unitTests.qunit.html", "integration/fail.qunit.html"}})
	default:
		failed := 0
		if strings.Contains(cfg.URL, "fail") {
			failed = 1
		}
		_ = conn.Send(protocol.Begin{TotalTests: 1, Modules: []protocol.Module{{Name: "module", Tests: []protocol.TestRef{{TestID: "t1"}}}}})
		_ = conn.Send(protocol.Log{TestID: "t1", Runtime: 3, Result: failed == 0})
		_ = conn.Send(protocol.Done{Failed: failed, Passed: 1 - failed, Total: 1, Runtime: 3})
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			return 0
		}
		if _, ok := msg.(protocol.Stop); ok {
			return 0
		}
	}
}

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	// Keep pagerunner.yaml files of the developer out of the tests.
	t.Chdir(t.TempDir())
}

// executeCommand runs a fresh root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// findCommand returns the subcommand of root named name.
func findCommand(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	require.FailNow(t, "command not found", name)
	return nil
}
