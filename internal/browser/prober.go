package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
	"github.com/xkilldash9x/pagerunner/internal/shell"
)

// defaultProbeURL is opened by the probe when the job does not name one.
const defaultProbeURL = "about:blank"

// Prober determines what the configured driver supports.
type Prober struct {
	spawner     driver.Spawner
	runner      shell.Runner
	logger      *zap.Logger
	npm         string
	gracePeriod time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithNPMCommand sets the npm command used to resolve helper modules.
func WithNPMCommand(npm string) ProberOption {
	return func(p *Prober) {
		if npm != "" {
			p.npm = npm
		}
	}
}

// WithProbeGracePeriod sets the grace period used if the probe has to be
// interrupted.
func WithProbeGracePeriod(d time.Duration) ProberOption {
	return func(p *Prober) { p.gracePeriod = d }
}

// NewProber creates a prober.
func NewProber(spawner driver.Spawner, runner shell.Runner, logger *zap.Logger, opts ...ProberOption) (*Prober, error) {
	if spawner == nil {
		return nil, errors.New("browser: spawner cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("browser: command runner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Prober{
		spawner: spawner,
		runner:  runner,
		logger:  logger.Named("prober"),
		npm:     "npm",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Probe runs the driver once against a neutral page, reads the capability
// descriptor it writes, resolves the helper modules it declares and stores
// the result on the job. It does nothing if the job already has capabilities.
func (p *Prober) Probe(ctx context.Context, j *job.Job) error {
	if _, probed := j.Capabilities(); probed {
		return nil
	}

	// 1. Transient launch configuration.
	dir := filepath.Join(j.Config.ReportDir, "probe")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create probe directory: %w", err)
	}
	capsPath := filepath.Join(dir, "capabilities.json")
	if err := os.Remove(capsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear stale capabilities: %w", err)
	}
	probeURL := j.Config.ProbeURL
	if probeURL == "" {
		probeURL = defaultProbeURL
	}
	cfgPath := filepath.Join(dir, "config.json")
	launch := protocol.LaunchConfig{
		URL:          probeURL,
		Args:         j.Config.BrowserArgs,
		Capabilities: capsPath,
	}
	if err := protocol.WriteLaunchConfig(cfgPath, launch); err != nil {
		return err
	}

	// 2. Run the driver to completion.
	p.logger.Info("Probing browser capabilities.", zap.String("browser", j.Config.Browser))
	proc, err := p.spawner.Spawn(ctx, driver.Options{
		Path:        j.Config.Browser,
		Args:        []string{cfgPath},
		Dir:         j.Config.CWD,
		OutputDir:   dir,
		Name:        "probe",
		GracePeriod: p.gracePeriod,
		Logger:      p.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start probe: %w", err)
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Close(context.Background())
		return ctx.Err()
	}
	if out := proc.Outcome(); out.Abnormal() {
		p.logger.Warn("Probe exited abnormally.", zap.Stringer("outcome", out))
	}

	// 3. Read and merge the descriptor.
	desc, err := protocol.ReadCapabilities(capsPath)
	if err != nil {
		p.logger.Error("Browser did not report usable capabilities.",
			zap.Error(err),
			zap.String("stderr", proc.StderrPath()))
		return fmt.Errorf("%w: %v", ErrMissingOrInvalidCapabilities, err)
	}
	caps := mergeCapabilities(desc)

	// 4. Resolve helper modules.
	if len(desc.Modules) > 0 {
		resolver := newModuleResolver(p.runner, p.npm, j.Config.CWD, p.logger)
		for _, name := range desc.Modules {
			path, err := resolver.resolve(ctx, name)
			if err != nil {
				return err
			}
			caps.Modules[name] = path
		}
	}

	if err := j.SetCapabilities(caps); err != nil {
		return err
	}
	p.logger.Info("Browser capabilities probed.",
		zap.Bool("screenshot", caps.Screenshot),
		zap.Bool("console", caps.Console),
		zap.Bool("parallel", caps.Parallel),
		zap.Any("modules", caps.Modules))
	return nil
}
