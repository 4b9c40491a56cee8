package reporting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/config"
	"github.com/xkilldash9x/pagerunner/internal/shell"
)

// CoverageReporter produces the coverage report once every page ran.
type CoverageReporter interface {
	Generate(ctx context.Context) error
}

// NopCoverage is used when coverage is disabled.
type NopCoverage struct{}

func (NopCoverage) Generate(context.Context) error { return nil }

// NYC generates the coverage report from the collected coverage data with
// the nyc command line tool.
type NYC struct {
	runner shell.Runner
	cfg    config.CoverageConfig
	cwd    string
	logger *zap.Logger
}

// NewCoverageReporter returns the reporter matching cfg. cfg is expected to
// be finalized.
func NewCoverageReporter(cfg config.CoverageConfig, cwd string, runner shell.Runner, logger *zap.Logger) CoverageReporter {
	if !cfg.Enabled {
		return NopCoverage{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NYC{runner: runner, cfg: cfg, cwd: cwd, logger: logger.Named("coverage")}
}

type nycSettings struct {
	TempDir   string   `json:"temp-dir"`
	ReportDir string   `json:"report-dir"`
	Reporter  []string `json:"reporter"`
}

// Generate writes the nyc settings next to the coverage data and runs
// "nyc report".
func (n *NYC) Generate(ctx context.Context) error {
	settingsDir := filepath.Join(n.cfg.TempDir, "settings")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create coverage settings directory: %w", err)
	}
	settings, err := json.MarshalIndent(nycSettings{
		TempDir:   n.cfg.TempDir,
		ReportDir: n.cfg.ReportDir,
		Reporter:  n.cfg.Reporters,
	}, "", "  ")
	if err != nil {
		return err
	}
	settingsPath := filepath.Join(settingsDir, "nyc.json")
	if err := os.WriteFile(settingsPath, settings, 0o644); err != nil {
		return fmt.Errorf("failed to write coverage settings: %w", err)
	}

	args := []string{"report", "--nycrc-path", settingsPath, "--temp-dir", n.cfg.TempDir, "--report-dir", n.cfg.ReportDir}
	for _, r := range n.cfg.Reporters {
		args = append(args, "--reporter", r)
	}
	n.logger.Info("Generating coverage report.", zap.String("report_dir", n.cfg.ReportDir))
	if _, err := n.runner.Run(ctx, shell.Command{Name: n.cfg.Command, Args: args, Dir: n.cwd}); err != nil {
		return fmt.Errorf("coverage report failed: %w", err)
	}
	return nil
}
