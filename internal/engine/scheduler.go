// Package engine drives the test pages of a job through a bounded pool of
// browser sessions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/reporting"
)

// ErrNoTestPages is returned when a run has no page to execute.
var ErrNoTestPages = errors.New("no test pages to run")

// -- Interfaces for Dependency Inversion --

// Prober fills in the driver capabilities of a job.
type Prober interface {
	Probe(ctx context.Context, j *job.Job) error
}

// Sessions runs one page at a time per URL. Start returns once the page was
// stopped.
type Sessions interface {
	Start(ctx context.Context, url string) error
}

// Finalizer produces the report once every page completed.
type Finalizer interface {
	Finalize(ctx context.Context, j *job.Job) (*reporting.Summary, error)
}

// Scheduler runs every page of a job with at most Parallel concurrent
// sessions.
type Scheduler struct {
	job       *job.Job
	logger    *zap.Logger
	prober    Prober
	sessions  Sessions
	finalizer Finalizer

	// skipping is set once fail-fast triggered.
	skipping atomic.Bool

	finalizeOnce sync.Once
	summary      *reporting.Summary
	finalizeErr  error
}

// New creates the scheduler of j.
func New(j *job.Job, logger *zap.Logger, prober Prober, sessions Sessions, finalizer Finalizer) (*Scheduler, error) {
	if j == nil {
		return nil, errors.New("job cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if prober == nil {
		return nil, errors.New("prober cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("sessions cannot be nil")
	}
	if finalizer == nil {
		return nil, errors.New("finalizer cannot be nil")
	}
	return &Scheduler{
		job:       j,
		logger:    logger.With(zap.String("component", "scheduler"), zap.String("job_id", j.ID.String())),
		prober:    prober,
		sessions:  sessions,
		finalizer: finalizer,
	}, nil
}

// Run executes the job: it recreates the report directory, probes the
// driver, extracts the pages from the testsuite when none are configured and
// runs every page. The last page to complete finalizes the run.
//
// With Parallel set to 0 no page is executed and Run returns a nil summary.
// Probing errors abort the run before any page starts. Page failures never do:
// they end up in the summary.
func (s *Scheduler) Run(ctx context.Context) (*reporting.Summary, error) {
	cfg := s.job.Config
	if cfg.Parallel <= 0 {
		s.logger.Info("Page execution disabled.")
		return nil, nil
	}

	if err := recreateDir(cfg.ReportDir); err != nil {
		return nil, fmt.Errorf("failed to prepare report directory: %w", err)
	}
	if err := s.prober.Probe(ctx, s.job); err != nil {
		return nil, fmt.Errorf("failed to probe browser: %w", err)
	}

	if s.job.Total() == 0 {
		if err := s.extract(ctx); err != nil {
			return nil, err
		}
	}
	urls, err := selectPages(s.job.URLs(), cfg.PageFilter, cfg.PageParams)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoTestPages
	}
	s.job.SetURLs(urls)
	s.job.ResetCounters()

	runCtx := ctx
	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	workers := min(cfg.Parallel, len(urls))
	s.logger.Info("Executing test pages.", zap.Int("pages", len(urls)), zap.Int("workers", workers))

	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			return s.runWorker(runCtx, ctx, i+1, len(urls))
		})
	}
	if err := g.Wait(); err != nil {
		return s.summary, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.logger.Warn("Global timeout reached.", zap.Duration("timeout", cfg.GlobalTimeout))
	}
	return s.summary, ctx.Err()
}

// runWorker claims pages until none is left. pageCtx bounds the pages while
// ctx, which outlives the global timeout, is used for finalization.
func (s *Scheduler) runWorker(pageCtx, ctx context.Context, workerID, total int) error {
	logger := s.logger.With(zap.Int("worker_id", workerID))
	for {
		url, ok := s.job.ClaimNext()
		if !ok {
			logger.Debug("No page left, worker exiting.")
			return nil
		}
		s.runPage(pageCtx, logger.With(zap.String("url", url)), url)
		if s.job.Complete() == total {
			s.finalize(ctx)
			return s.finalizeErr
		}
	}
}

func (s *Scheduler) runPage(ctx context.Context, logger *zap.Logger, url string) {
	if s.skipping.Load() || ctx.Err() != nil {
		logger.Debug("Skipping page.")
		s.job.MarkSkipped(url)
		return
	}

	err := s.sessions.Start(ctx, url)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.job.MarkTimedOut(url)
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("Page could not run.", zap.Error(err))
		s.job.RecordCrash(url, err)
	}

	page := s.job.Settle(url)
	logger.Info("Page completed.", zap.String("status", string(page.Status)), zap.Int("retries", page.Retries))
	if s.job.Config.FailFast && page.Status != job.StatusPassed && s.skipping.CompareAndSwap(false, true) {
		logger.Warn("Page failed, skipping the remaining pages.")
	}
}

func (s *Scheduler) finalize(ctx context.Context) {
	s.finalizeOnce.Do(func() {
		s.logger.Info("Every page completed, finalizing.")
		s.summary, s.finalizeErr = s.finalizer.Finalize(ctx, s.job)
	})
}

// extract runs the testsuite page, which declares the pages to execute.
func (s *Scheduler) extract(ctx context.Context) error {
	suite := s.job.Config.Testsuite
	if suite == "" {
		return ErrNoTestPages
	}
	s.logger.Info("Extracting test pages.", zap.String("testsuite", suite))
	if err := s.sessions.Start(ctx, suite); err != nil {
		return fmt.Errorf("failed to extract test pages: %w", err)
	}
	if s.job.Total() == 0 {
		return fmt.Errorf("%w: %s declared none", ErrNoTestPages, suite)
	}
	return nil
}

// selectPages keeps the pages matching filter and appends params to their
// query string.
func selectPages(urls []string, filter, params string) ([]string, error) {
	var re *regexp.Regexp
	if filter != "" {
		var err error
		if re, err = regexp.Compile(filter); err != nil {
			return nil, fmt.Errorf("invalid page filter: %w", err)
		}
	}
	params = strings.TrimLeft(params, "?&")
	selected := make([]string, 0, len(urls))
	for _, u := range urls {
		if re != nil && !re.MatchString(u) {
			continue
		}
		if params != "" {
			if strings.Contains(u, "?") {
				u += "&" + params
			} else {
				u += "?" + params
			}
		}
		selected = append(selected, u)
	}
	return selected, nil
}

func recreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
