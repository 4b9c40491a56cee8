package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
	"github.com/xkilldash9x/pagerunner/internal/shell"
)

// fakeProcess is an in-memory driver.Process driven by the test.
type fakeProcess struct {
	pid    int
	config protocol.LaunchConfig
	opts   driver.Options

	// onSend is called synchronously for every message the runner sends.
	onSend func(p *fakeProcess, msg protocol.Message)
	// ignoreClose makes Close abandon the process instead of ending it.
	ignoreClose bool

	mu       sync.Mutex
	listener func(protocol.Message)
	backlog  []protocol.Message
	sent     []protocol.Message

	connected  atomic.Bool
	requested  atomic.Bool
	closeCalls atomic.Int32
	finishOnce sync.Once
	done       chan struct{}
	outcome    driver.Outcome
}

var _ driver.Process = (*fakeProcess)(nil)

func newFakeProcess(pid int, cfg protocol.LaunchConfig, opts driver.Options) *fakeProcess {
	p := &fakeProcess{pid: pid, config: cfg, opts: opts, done: make(chan struct{})}
	p.connected.Store(true)
	return p
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Send(msg protocol.Message) error {
	if !p.connected.Load() {
		return driver.ErrNotConnected
	}
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	onSend := p.onSend
	p.mu.Unlock()
	if onSend != nil {
		onSend(p, msg)
	}
	return nil
}

func (p *fakeProcess) Sent() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.sent...)
}

func (p *fakeProcess) sentCommands() []protocol.Command {
	var cmds []protocol.Command
	for _, msg := range p.Sent() {
		cmds = append(cmds, msg.Command())
	}
	return cmds
}

func (p *fakeProcess) OnMessage(fn func(protocol.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
	for _, msg := range p.backlog {
		fn(msg)
	}
	p.backlog = nil
}

// emit simulates a message sent by the driver.
func (p *fakeProcess) emit(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		p.backlog = append(p.backlog, msg)
		return
	}
	p.listener(msg)
}

func (p *fakeProcess) Connected() bool { return p.connected.Load() }

func (p *fakeProcess) Disconnect() { p.connected.Store(false) }

// exit simulates the driver terminating with code.
func (p *fakeProcess) exit(code int) {
	var err error
	if code != 0 {
		err = fmt.Errorf("exit status %d", code)
	}
	p.finish(driver.Outcome{ExitCode: code, Err: err, Requested: p.requested.Load()})
}

func (p *fakeProcess) finish(out driver.Outcome) {
	p.finishOnce.Do(func() {
		p.connected.Store(false)
		p.outcome = out
		close(p.done)
	})
}

func (p *fakeProcess) Close(ctx context.Context) error {
	p.closeCalls.Add(1)
	p.requested.Store(true)
	p.Disconnect()
	if p.ignoreClose {
		p.finish(driver.Outcome{ExitCode: -1, Err: driver.ErrAbandoned, Requested: true, Abandoned: true})
		return driver.ErrAbandoned
	}
	p.finish(driver.Outcome{Requested: true})
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Outcome() driver.Outcome {
	select {
	case <-p.done:
		return p.outcome
	default:
		return driver.Outcome{}
	}
}

func (p *fakeProcess) StdoutPath() string { return p.opts.OutputDir + "/" + p.opts.Name + ".stdout.log" }
func (p *fakeProcess) StderrPath() string { return p.opts.OutputDir + "/" + p.opts.Name + ".stderr.log" }

// fakeSpawner records every launch and runs behave on each new process.
type fakeSpawner struct {
	// behave runs on its own goroutine after the process is returned.
	behave func(p *fakeProcess)
	// prepare runs synchronously before the process is returned.
	prepare func(p *fakeProcess)
	err     error

	mu        sync.Mutex
	processes []*fakeProcess
	wg        sync.WaitGroup
}

var _ driver.Spawner = (*fakeSpawner)(nil)

func (s *fakeSpawner) Spawn(ctx context.Context, opts driver.Options) (driver.Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(opts.Args) != 1 {
		return nil, errors.New("fake spawner: expected the launch configuration path as only argument")
	}
	cfg, err := protocol.ReadLaunchConfig(opts.Args[0])
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p := newFakeProcess(1000+len(s.processes), cfg, opts)
	s.processes = append(s.processes, p)
	s.mu.Unlock()

	if s.prepare != nil {
		s.prepare(p)
	}
	if s.behave != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.behave(p)
		}()
	}
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[i]
}

func (s *fakeSpawner) retries() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var retries []int
	for _, p := range s.processes {
		retries = append(retries, p.config.Retry)
	}
	return retries
}

// mockRunner is a testify mock of shell.Runner.
type mockRunner struct {
	mock.Mock
}

var _ shell.Runner = (*mockRunner)(nil)

func (m *mockRunner) Run(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	args := m.Called(ctx, cmd.Name, cmd.Args)
	return args.Get(0).(shell.Result), args.Error(1)
}
