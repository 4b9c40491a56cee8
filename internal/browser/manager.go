package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// EventHandler receives the driver events of a page (begin, log, done,
// testPages), in arrival order. Handlers run on a goroutine owned by the
// session and may call back into the Manager.
type EventHandler interface {
	HandleEvent(ctx context.Context, url string, msg protocol.Message)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, url string, msg protocol.Message)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, url string, msg protocol.Message) {
	f(ctx, url, msg)
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventHandler sets the handler receiving driver events.
func WithEventHandler(h EventHandler) Option {
	return func(m *Manager) { m.handler = h }
}

// WithLaunchRate limits how many drivers are launched per second. A limit of
// zero or less disables the limiter.
func WithLaunchRate(limit float64, burst int) Option {
	return func(m *Manager) {
		if limit <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithGracePeriod sets how long a driver is given at each termination step.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.gracePeriod = d }
}

// Manager runs the driver sessions of one job. At most one session exists per
// URL at any time.
type Manager struct {
	job         *job.Job
	spawner     driver.Spawner
	logger      *zap.Logger
	handler     EventHandler
	limiter     *rate.Limiter
	gracePeriod time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates the session manager of j.
func NewManager(j *job.Job, spawner driver.Spawner, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if j == nil {
		return nil, errors.New("browser: job cannot be nil")
	}
	if spawner == nil {
		return nil, errors.New("browser: spawner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		job:      j,
		spawner:  spawner,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs a driver for url and returns once the session has been stopped,
// through Stop or the page timeout. A driver exiting on its own with a zero
// status does not end the session. A driver failing before the session is
// stopped is relaunched up to BrowserRetry times; once retries are exhausted
// the crash is recorded on the job page and Start returns nil.
//
// If a session for url is already running, Start waits for it to end.
// Cancelling ctx stops the session and returns ctx.Err().
func (m *Manager) Start(ctx context.Context, url string) error {
	m.mu.Lock()
	if s, ok := m.sessions[url]; ok {
		m.mu.Unlock()
		select {
		case <-s.finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s := newSession(url, filepath.Join(m.job.Config.ReportDir, job.PageID(url)), m.logger.With(zap.String("url", url)))
	m.sessions[url] = s
	m.mu.Unlock()
	defer m.release(s)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create page directory: %w", err)
	}

	if m.handler != nil {
		go s.dispatch(ctx, m.handler)
		defer func() {
			s.events.close()
			<-s.dispatched
		}()
	}

	m.job.MarkRunning(url)
	defer s.disarm()

	s.logger.Info("Starting page.")
	return m.run(ctx, s)
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	if m.sessions[s.url] == s {
		delete(m.sessions, s.url)
	}
	m.mu.Unlock()
	close(s.finished)
}

func (m *Manager) timeout(s *session) {
	if s.isStopping() {
		return
	}
	s.logger.Warn("Page timed out, stopping it.", zap.Duration("timeout", m.job.Config.PageTimeout))
	m.job.MarkTimedOut(s.url)
	_ = m.stop(context.Background(), s)
}

// run is the session state machine: launch, wait, and relaunch after a crash.
func (m *Manager) run(ctx context.Context, s *session) error {
	for {
		proc, err := m.launch(ctx, s)
		switch {
		case errors.Is(err, errSessionStopping):
			<-s.stopped
			return nil
		case err != nil && ctx.Err() != nil:
			_ = m.stop(context.Background(), s)
			return ctx.Err()
		case err != nil:
			s.logger.Error("Failed to launch browser.", zap.Int("retry", s.retry), zap.Error(err))
			if m.retry(s) {
				continue
			}
			m.job.RecordCrash(s.url, err)
			return nil
		}

		select {
		case <-proc.Done():
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			_ = m.stop(context.Background(), s)
			return ctx.Err()
		}

		if s.isStopping() {
			<-s.stopped
			return nil
		}
		out := proc.Outcome()
		if !out.Abnormal() {
			// Still started: only a stop ends the session.
			s.logger.Debug("Browser exited before being stopped.", zap.Stringer("outcome", out))
			select {
			case <-s.stopped:
				return nil
			case <-ctx.Done():
				_ = m.stop(context.Background(), s)
				return ctx.Err()
			}
		}

		s.logger.Warn("Browser terminated unexpectedly.",
			zap.Int("retry", s.retry),
			zap.Stringer("outcome", out),
			zap.String("stderr", proc.StderrPath()))
		if m.retry(s) {
			continue
		}
		crash := out.Err
		if crash == nil {
			crash = fmt.Errorf("browser exited with status %d", out.ExitCode)
		}
		m.job.RecordCrash(s.url, crash)
		return nil
	}
}

func (m *Manager) retry(s *session) bool {
	if s.retry >= m.job.Config.BrowserRetry {
		s.logger.Error("Browser retries exhausted.", zap.Int("retries", s.retry))
		return false
	}
	s.retry++
	m.job.RecordRetry(s.url)
	return true
}

// launch writes the launch configuration of the current attempt and spawns the
// driver.
func (m *Manager) launch(ctx context.Context, s *session) (driver.Process, error) {
	if s.isStopping() {
		return nil, errSessionStopping
	}
	// The previous attempt's budget does not carry over.
	s.disarm()
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	caps, _ := m.job.Capabilities()
	cfgPath := filepath.Join(s.dir, fmt.Sprintf("config-%d.json", s.retry))
	launch := protocol.LaunchConfig{
		URL:     s.url,
		Args:    m.job.Config.BrowserArgs,
		Modules: caps.Modules,
		Retry:   s.retry,
	}
	if err := protocol.WriteLaunchConfig(cfgPath, launch); err != nil {
		return nil, err
	}

	proc, err := m.spawner.Spawn(ctx, driver.Options{
		Path:        m.job.Config.Browser,
		Args:        []string{cfgPath},
		Dir:         m.job.Config.CWD,
		OutputDir:   s.dir,
		Name:        fmt.Sprintf("browser-%d", s.retry),
		GracePeriod: m.gracePeriod,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}
	proc.OnMessage(func(msg protocol.Message) { m.receive(s, msg) })
	if !s.attach(proc) {
		_ = proc.Close(context.Background())
		return nil, errSessionStopping
	}
	if timeout := m.job.Config.PageTimeout; timeout > 0 {
		s.arm(timeout, func() { m.timeout(s) })
	}
	s.logger.Debug("Browser launched.", zap.Int("pid", proc.Pid()), zap.Int("retry", s.retry))
	return proc, nil
}

func (m *Manager) receive(s *session, msg protocol.Message) {
	if ack, ok := msg.(protocol.Ack); ok {
		s.resolveAck(ack)
		return
	}
	if m.handler == nil {
		return
	}
	s.events.push(msg)
}

// Stop ends the session of url: the driver is sent a stop command and closed.
// It returns once the driver is closed, or abandoned if it would not
// terminate. Stopping a URL without a session does nothing.
func (m *Manager) Stop(ctx context.Context, url string) error {
	m.mu.Lock()
	s, ok := m.sessions[url]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.stop(ctx, s)
}

func (m *Manager) stop(ctx context.Context, s *session) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		proc := s.proc
		s.mu.Unlock()

		if proc != nil {
			if proc.Connected() {
				if err := proc.Send(protocol.Stop{}); err != nil {
					s.logger.Debug("Failed to send stop.", zap.Error(err))
				}
			}
			if err := proc.Close(ctx); err != nil {
				s.logger.Warn("Browser did not close, leaving it behind.", zap.Error(err))
			}
		}
		s.logger.Info("Page stopped.")
		close(s.stopped)
	})
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every running session concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := m.stop(ctx, s); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", s.url, err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

// Active lists the URLs with a running session, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	urls := make([]string, 0, len(m.sessions))
	for url := range m.sessions {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Screenshot asks the driver of url to capture the page into filename and
// waits for the acknowledgement, at most ScreenshotTimeout. With a zero
// timeout the request is sent without waiting. Relative names are resolved in
// the page directory. Screenshots are best effort: the call does nothing when
// screenshots are disabled or unsupported, when url has no session or when
// its driver is not connected, and it never fails.
func (m *Manager) Screenshot(ctx context.Context, url, filename string) error {
	if m.job.Config.NoScreenshot {
		return nil
	}
	if caps, _ := m.job.Capabilities(); !caps.Screenshot {
		return nil
	}
	m.mu.Lock()
	s, ok := m.sessions[url]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	proc := s.current()
	if proc == nil || !proc.Connected() {
		return nil
	}

	if !filepath.IsAbs(filename) {
		filename = filepath.Join(s.dir, filename)
	}
	d := m.job.Config.ScreenshotTimeout
	if d <= 0 {
		if err := proc.Send(protocol.Screenshot{Filename: filename}); err != nil {
			s.logger.Debug("Failed to request screenshot.", zap.Error(err))
		}
		return nil
	}

	ack := s.expectAck(filename)
	defer s.dropAck(filename, ack)
	if err := proc.Send(protocol.Screenshot{Filename: filename}); err != nil {
		s.logger.Debug("Failed to request screenshot.", zap.Error(err))
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ack:
		s.logger.Debug("Screenshot taken.", zap.String("filename", filename))
	case <-timer.C:
		s.logger.Warn("Screenshot timed out.", zap.String("filename", filename))
	case <-proc.Done():
	case <-ctx.Done():
	}
	return nil
}
