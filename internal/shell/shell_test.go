package shell

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const helperEnv = "PAGERUNNER_TEST_SHELL"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "ok":
		os.Stdout.WriteString("/usr/lib/node_modules\n")
		os.Exit(0)
	default:
		os.Stdout.WriteString("KO")
		os.Stderr.WriteString("install failed\n")
		os.Exit(1)
	}
}

func TestExecRunner(t *testing.T) {
	runner := NewExecRunner(zaptest.NewLogger(t))

	t.Run("captures stdout", func(t *testing.T) {
		res, err := runner.Run(context.Background(), Command{Name: os.Args[0], Env: []string{helperEnv + "=ok"}})
		require.NoError(t, err)
		assert.Equal(t, "/usr/lib/node_modules\n", res.Stdout)
		assert.Zero(t, res.ExitCode)
	})

	t.Run("non-zero exit regardless of stdout", func(t *testing.T) {
		res, err := runner.Run(context.Background(), Command{Name: os.Args[0], Env: []string{helperEnv + "=ko"}})
		require.Error(t, err)
		var exitErr *ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 1, exitErr.Code)
		assert.Equal(t, "install failed", exitErr.Stderr)
		assert.Equal(t, "KO", res.Stdout)
		assert.Equal(t, 1, res.ExitCode)
	})

	t.Run("missing command", func(t *testing.T) {
		_, err := runner.Run(context.Background(), Command{Name: "pagerunner-does-not-exist"})
		require.Error(t, err)
		var exitErr *ExitError
		assert.False(t, errors.As(err, &exitErr))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := runner.Run(ctx, Command{Name: os.Args[0], Env: []string{helperEnv + "=ok"}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "npm root --global", Command{Name: "npm", Args: []string{"root", "--global"}}.String())
	assert.Equal(t, "npm", Command{Name: "npm"}.String())
}
