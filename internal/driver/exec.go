package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// ExecSpawner starts drivers as OS processes.
type ExecSpawner struct{}

var _ Spawner = ExecSpawner{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(ctx context.Context, opts Options) (Process, error) {
	return Spawn(ctx, opts)
}

// Cmd is a driver running as a child process. Its channel is a pair of pipes
// inherited as file descriptors 3 (runner to driver) and 4 (driver to runner).
type Cmd struct {
	opts   Options
	logger *zap.Logger
	cmd    *exec.Cmd
	conn   *protocol.Conn

	stdoutPath string
	stderrPath string

	connected atomic.Bool
	requested atomic.Bool

	deliverMu sync.Mutex
	listener  func(protocol.Message)
	backlog   []protocol.Message

	disconnectOnce sync.Once
	closeOnce      sync.Once
	finishOnce     sync.Once
	exited         chan struct{}
	done           chan struct{}
	outcome        Outcome
}

var _ Process = (*Cmd)(nil)

// Spawn starts the driver described by opts.
func Spawn(ctx context.Context, opts Options) (*Cmd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("driver: failed to create output directory: %w", err)
	}
	stdoutPath := filepath.Join(opts.OutputDir, opts.Name+".stdout.log")
	stderrPath := filepath.Join(opts.OutputDir, opts.Name+".stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("driver: failed to create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("driver: failed to create stderr capture: %w", err)
	}
	defer stderr.Close()

	childIn, toChild, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("driver: failed to create channel: %w", err)
	}
	fromChild, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = toChild.Close()
		return nil, fmt.Errorf("driver: failed to create channel: %w", err)
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append(os.Environ(), opts.Env...), protocol.ChannelFDsEnv+"=3,4")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	setProcAttr(cmd)

	startErr := cmd.Start()
	// The child holds its own copies of these ends.
	_ = childIn.Close()
	_ = childOut.Close()
	if startErr != nil {
		_ = toChild.Close()
		_ = fromChild.Close()
		return nil, fmt.Errorf("driver: failed to start %s: %w", opts.Path, startErr)
	}

	c := &Cmd{
		opts:       opts,
		logger:     logger.With(zap.String("driver", opts.Name), zap.Int("pid", cmd.Process.Pid)),
		cmd:        cmd,
		conn:       protocol.NewConn(fromChild, toChild, protocol.Runner),
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.connected.Store(true)
	c.logger.Debug("Driver process started.", zap.String("path", opts.Path), zap.Strings("args", opts.Args))

	go c.readLoop()
	go c.wait()
	return c, nil
}

// Pid returns the OS process id.
func (c *Cmd) Pid() int { return c.cmd.Process.Pid }

func (c *Cmd) StdoutPath() string { return c.stdoutPath }
func (c *Cmd) StderrPath() string { return c.stderrPath }

func (c *Cmd) Connected() bool { return c.connected.Load() }

func (c *Cmd) Done() <-chan struct{} { return c.done }

// Outcome returns the termination outcome. It is the zero value until Done
// is closed.
func (c *Cmd) Outcome() Outcome {
	select {
	case <-c.done:
		return c.outcome
	default:
		return Outcome{}
	}
}

// Send implements Process.
func (c *Cmd) Send(msg protocol.Message) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.conn.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// OnMessage implements Process.
func (c *Cmd) OnMessage(fn func(protocol.Message)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.listener = fn
	backlog := c.backlog
	c.backlog = nil
	for _, msg := range backlog {
		fn(msg)
	}
}

func (c *Cmd) deliver(msg protocol.Message) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.listener == nil {
		c.backlog = append(c.backlog, msg)
		return
	}
	c.listener(msg)
}

// Disconnect implements Process.
func (c *Cmd) Disconnect() {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing driver channel.", zap.Error(err))
		}
	})
}

func (c *Cmd) readLoop() {
	defer c.connected.Store(false)
	for {
		msg, err := c.conn.Receive()
		if err == nil {
			c.deliver(msg)
			continue
		}
		if errors.Is(err, protocol.ErrUnknownCommand) || errors.Is(err, protocol.ErrInvalidMessage) {
			c.logger.Warn("Dropping driver message.", zap.Error(err))
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			c.logger.Debug("Driver channel read failed.", zap.Error(err))
		}
		return
	}
}

func (c *Cmd) wait() {
	err := c.cmd.Wait()
	close(c.exited)

	outcome := Outcome{Requested: c.requested.Load()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			outcome.ExitCode = -1
		}
		outcome.Err = err
	}
	c.Disconnect()
	c.finish(outcome)
}

func (c *Cmd) finish(outcome Outcome) {
	c.finishOnce.Do(func() {
		c.outcome = outcome
		c.logger.Debug("Driver process finished.", zap.Stringer("outcome", outcome))
		close(c.done)
	})
}

// Close implements Process. The driver is first given a grace period to exit
// on its own, then asked to terminate, then killed. If it is still not reaped
// after the kill, Done is closed anyway and the process is left behind.
func (c *Cmd) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.requested.Store(true)
		c.Disconnect()

		if c.awaitExit(ctx) {
			return
		}
		if ctx.Err() == nil {
			if err := terminate(c.cmd.Process); err != nil {
				c.logger.Debug("Failed to signal driver.", zap.Error(err))
			}
			if c.awaitExit(ctx) {
				return
			}
		}

		c.logger.Warn("Driver did not terminate in time, killing it.")
		if err := kill(c.cmd.Process); err != nil {
			c.logger.Debug("Failed to kill driver.", zap.Error(err))
		}
		select {
		case <-c.exited:
		case <-time.After(c.opts.GracePeriod):
			c.finish(Outcome{ExitCode: -1, Err: ErrAbandoned, Requested: true, Abandoned: true})
		}
	})
	<-c.done
	if out := c.Outcome(); out.Abandoned {
		return ErrAbandoned
	}
	return nil
}

// awaitExit waits up to one grace period. It reports whether the process
// exited.
func (c *Cmd) awaitExit(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-c.exited:
		<-c.done
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
