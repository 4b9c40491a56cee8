package driver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// helperEnv turns the test binary into a fake driver.
const helperEnv = "PAGERUNNER_TEST_DRIVER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	goleak.VerifyTestMain(m)
}

func runHelper(mode string) int {
	switch mode {
	case "crash":
		fmt.Fprint(os.Stderr, "boom")
		return 3
	case "output":
		fmt.Fprint(os.Stdout, "stdout")
		fmt.Fprint(os.Stderr, "stderr")
		return 0
	case "ignore":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return 0
	}

	conn, err := protocol.OpenChildConn()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 10
	}
	if err := conn.Send(protocol.Begin{TotalTests: 1}); err != nil {
		return 11
	}
	for {
		msg, err := conn.Receive()
		if err != nil {
			// Channel closed by the runner.
			return 0
		}
		switch m := msg.(type) {
		case protocol.Stop:
			return 0
		case protocol.Screenshot:
			_ = conn.Send(protocol.Ack{Tag: protocol.CommandScreenshot, Filename: m.Filename})
		}
	}
}

func spawnHelper(t *testing.T, mode string) *Cmd {
	t.Helper()
	cmd, err := Spawn(context.Background(), Options{
		Path:        os.Args[0],
		Args:        []string{filepath.Join(t.TempDir(), "config.json")},
		OutputDir:   t.TempDir(),
		Name:        mode,
		Env:         []string{helperEnv + "=" + mode},
		GracePeriod: 200 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return cmd
}

func waitDone(t *testing.T, p Process) Outcome {
	t.Helper()
	select {
	case <-p.Done():
		return p.Outcome()
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not terminate")
		return Outcome{}
	}
}

func TestSpawnValidation(t *testing.T) {
	_, err := Spawn(context.Background(), Options{OutputDir: t.TempDir(), Name: "x"})
	assert.ErrorContains(t, err, "command path is required")

	_, err = Spawn(context.Background(), Options{Path: "/bin/true", Name: "x"})
	assert.ErrorContains(t, err, "output directory is required")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Spawn(ctx, Options{Path: "/bin/true", OutputDir: t.TempDir(), Name: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Spawn(context.Background(), Options{Path: filepath.Join(t.TempDir(), "missing"), OutputDir: t.TempDir(), Name: "x"})
	assert.ErrorContains(t, err, "failed to start")
}

func TestCapturesOutputs(t *testing.T) {
	cmd := spawnHelper(t, "output")
	out := waitDone(t, cmd)
	assert.False(t, out.Abnormal())

	stdout, err := os.ReadFile(cmd.StdoutPath())
	require.NoError(t, err)
	assert.Equal(t, "stdout", string(stdout))
	stderr, err := os.ReadFile(cmd.StderrPath())
	require.NoError(t, err)
	assert.Equal(t, "stderr", string(stderr))
}

func TestAbnormalExit(t *testing.T) {
	cmd := spawnHelper(t, "crash")
	out := waitDone(t, cmd)
	assert.Equal(t, 3, out.ExitCode)
	assert.Error(t, out.Err)
	assert.False(t, out.Requested)
	assert.True(t, out.Abnormal())
	assert.False(t, cmd.Connected())

	stderr, err := os.ReadFile(cmd.StderrPath())
	require.NoError(t, err)
	assert.Equal(t, "boom", string(stderr))
}

func TestChannelRoundTrip(t *testing.T) {
	cmd := spawnHelper(t, "echo")
	messages := make(chan protocol.Message, 8)
	cmd.OnMessage(func(msg protocol.Message) { messages <- msg })

	// Sent by the driver right after start, delivered from the backlog.
	select {
	case msg := <-messages:
		assert.Equal(t, protocol.Begin{TotalTests: 1}, msg)
	case <-time.After(10 * time.Second):
		t.Fatal("no begin message")
	}

	require.True(t, cmd.Connected())
	require.NoError(t, cmd.Send(protocol.Screenshot{Filename: "shot.png"}))
	select {
	case msg := <-messages:
		assert.Equal(t, protocol.Ack{Tag: protocol.CommandScreenshot, Filename: "shot.png"}, msg)
	case <-time.After(10 * time.Second):
		t.Fatal("no ack")
	}

	require.NoError(t, cmd.Send(protocol.Stop{}))
	out := waitDone(t, cmd)
	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.Abnormal())
	assert.ErrorIs(t, cmd.Send(protocol.Stop{}), ErrNotConnected)
}

func TestCloseIsNeverAbnormal(t *testing.T) {
	cmd := spawnHelper(t, "echo")
	require.NoError(t, cmd.Close(context.Background()))

	out := cmd.Outcome()
	assert.True(t, out.Requested)
	assert.False(t, out.Abnormal())
	assert.False(t, cmd.Connected())

	// Idempotent.
	require.NoError(t, cmd.Close(context.Background()))
}

func TestCloseEscalatesToKill(t *testing.T) {
	cmd := spawnHelper(t, "ignore")
	start := time.Now()
	require.NoError(t, cmd.Close(context.Background()))

	out := cmd.Outcome()
	assert.True(t, out.Requested)
	assert.Equal(t, -1, out.ExitCode)
	assert.False(t, out.Abnormal())
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "both grace periods elapse before the kill")
}

func TestDisconnectKeepsProcessRunning(t *testing.T) {
	cmd := spawnHelper(t, "ignore")
	cmd.Disconnect()
	assert.False(t, cmd.Connected())
	assert.ErrorIs(t, cmd.Send(protocol.Stop{}), ErrNotConnected)

	select {
	case <-cmd.Done():
		t.Fatal("process exited after disconnect")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, cmd.Close(context.Background()))
}

func TestOutcomeAbnormal(t *testing.T) {
	assert.False(t, Outcome{}.Abnormal())
	assert.True(t, Outcome{ExitCode: 1}.Abnormal())
	assert.True(t, Outcome{ExitCode: -1, Err: ErrAbandoned}.Abnormal())
	assert.False(t, Outcome{ExitCode: 1, Requested: true}.Abnormal())
}
