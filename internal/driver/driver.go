// Package driver owns the external browser driver processes: spawning them with
// a private message channel, capturing their output and terminating them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// DefaultGracePeriod is how long Close waits at each termination step when
// Options.GracePeriod is not set.
const DefaultGracePeriod = 5 * time.Second

var (
	// ErrNotConnected is returned by Send once the channel is closed.
	ErrNotConnected = errors.New("driver: channel not connected")
	// ErrAbandoned is the outcome error of a process that ignored every
	// termination request. It may still be running.
	ErrAbandoned = errors.New("driver: process abandoned")
)

// Options describes one driver launch.
type Options struct {
	// Path is the driver command.
	Path string
	// Args follow Path on the command line. The runner passes the launch
	// configuration path as the only argument.
	Args []string
	// Dir is the working directory of the process.
	Dir string
	// OutputDir receives <Name>.stdout.log and <Name>.stderr.log.
	OutputDir string
	Name      string
	// Env is appended to the runner's environment.
	Env         []string
	GracePeriod time.Duration
	Logger      *zap.Logger
}

func (o Options) validate() error {
	if o.Path == "" {
		return errors.New("driver: command path is required")
	}
	if o.OutputDir == "" {
		return errors.New("driver: output directory is required")
	}
	if o.Name == "" {
		return errors.New("driver: name is required")
	}
	return nil
}

// Outcome describes how a process terminated.
type Outcome struct {
	// ExitCode is -1 when the process was killed by a signal or never reaped.
	ExitCode int
	Err      error
	// Requested is set when the termination followed a Close call.
	Requested bool
	// Abandoned is set when Close gave up waiting for the process.
	Abandoned bool
}

// Abnormal reports whether the process died on its own with a failure status.
// A termination the runner asked for is never abnormal.
func (o Outcome) Abnormal() bool {
	return !o.Requested && (o.ExitCode != 0 || o.Err != nil)
}

func (o Outcome) String() string {
	switch {
	case o.Abandoned:
		return "abandoned"
	case o.Err != nil:
		return fmt.Sprintf("exit %d: %v", o.ExitCode, o.Err)
	default:
		return fmt.Sprintf("exit %d", o.ExitCode)
	}
}

// Process is a spawned driver.
type Process interface {
	Pid() int
	// Send writes a message on the private channel.
	Send(msg protocol.Message) error
	// OnMessage registers the listener for inbound messages. Messages received
	// before registration are buffered and handed to the listener first.
	// The listener must not block.
	OnMessage(fn func(protocol.Message))
	Connected() bool
	// Disconnect closes the channel and leaves the process running.
	Disconnect()
	// Close terminates the process. It always returns once Done is closed,
	// even when the process has to be abandoned.
	Close(ctx context.Context) error
	// Done is closed exactly once, when the process has terminated or has
	// been abandoned.
	Done() <-chan struct{}
	// Outcome is valid once Done is closed.
	Outcome() Outcome
	StdoutPath() string
	StderrPath() string
}

// Spawner starts driver processes.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (Process, error)
}
