// Package reporting summarizes a run once every page completed: console
// output, report artifacts and the coverage report.
package reporting

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/job"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report artifact names, written in the report directory.
const (
	JSONReportFile = "report.json"
	HTMLReportFile = "report.html"
)

//go:embed templates/report.html.tmpl
var templates embed.FS

var htmlReport = template.Must(template.ParseFS(templates, "templates/report.html.tmpl"))

// Finalizer produces the final report of a job.
type Finalizer struct {
	reporter Reporter
	coverage CoverageReporter
	logger   *zap.Logger
	now      func() time.Time
}

// NewFinalizer creates a finalizer printing the summary through reporter.
// A nil coverage reporter disables the coverage step.
func NewFinalizer(reporter Reporter, coverage CoverageReporter, logger *zap.Logger) (*Finalizer, error) {
	if reporter == nil {
		return nil, errors.New("reporter cannot be nil")
	}
	if coverage == nil {
		coverage = NopCoverage{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		reporter: reporter,
		coverage: coverage,
		logger:   logger.Named("finalizer"),
		now:      time.Now,
	}, nil
}

// Finalize summarizes j, prints the summary, writes report.json and
// report.html in the report directory and generates the coverage report.
// The summary is returned even when a later step fails.
func (f *Finalizer) Finalize(ctx context.Context, j *job.Job) (*Summary, error) {
	summary := Summarize(j, f.now())

	if err := f.reporter.Write(summary); err != nil {
		return summary, fmt.Errorf("failed to print summary: %w", err)
	}
	if err := os.MkdirAll(j.Config.ReportDir, 0o755); err != nil {
		return summary, fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := writeJSON(filepath.Join(j.Config.ReportDir, JSONReportFile), summary); err != nil {
		return summary, err
	}
	if err := writeHTML(filepath.Join(j.Config.ReportDir, HTMLReportFile), summary); err != nil {
		return summary, err
	}
	if err := f.coverage.Generate(ctx); err != nil {
		return summary, err
	}

	f.logger.Info("Run finalized.",
		zap.Int("pages", len(summary.Pages)),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

func writeJSON(path string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeHTML(path string, summary *Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := htmlReport.Execute(f, summary); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return f.Close()
}
