package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/browser"
	"github.com/xkilldash9x/pagerunner/internal/config"
	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/engine"
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/observability"
	"github.com/xkilldash9x/pagerunner/internal/qunit"
	"github.com/xkilldash9x/pagerunner/internal/reporting"
	"github.com/xkilldash9x/pagerunner/internal/shell"
)

// shutdownTimeout bounds how long remaining sessions are given to stop.
const shutdownTimeout = 30 * time.Second

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Runs the test pages and reports their results",
		Long: `Runs every test page in its own browser driver process, at most --parallel at a
time. Pages come from the arguments, the configuration, or the testsuite page
when none are given. The exit code is the number of failed pages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			cfg.Runner.URLs = append(cfg.Runner.URLs, args...)
			if err := finalizeConfig(cfg); err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			var reporter reporting.Reporter
			if output == "" {
				reporter, err = reporting.NewForWriter(format, cmd.OutOrStdout())
			} else {
				reporter, err = reporting.New(format, output)
			}
			if err != nil {
				return err
			}
			defer reporter.Close()

			run, err := newPageRun(cfg, driver.ExecSpawner{}, shell.NewExecRunner(logger), reporter, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize run: %w", err)
			}
			summary, err := run.execute(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted.")
				}
				return err
			}
			if summary != nil && summary.Failed > 0 && !cfg.Runner.KeepAlive {
				return &ExitCodeError{Code: summary.Failed}
			}
			return nil
		},
	}

	flags := runCmd.Flags()
	flags.String("cwd", ".", "Working directory, other paths are relative to it")
	flags.String("browser", config.DefaultBrowser, "Browser driver command")
	flags.StringArray("browser-arg", nil, "Argument passed to the browser driver (repeatable)")
	flags.Int("browser-retry", 1, "Relaunches of a crashed browser driver per page")
	flags.IntP("parallel", "p", 2, "Number of pages run concurrently (0 runs no page and keeps alive)")
	flags.Duration("page-timeout", 0, "Per page timeout (0 to disable)")
	flags.Duration("global-timeout", 0, "Limit of the pages execution time (0 to disable)")
	flags.Duration("screenshot-timeout", 2*time.Second, "Maximum wait for a screenshot")
	flags.Bool("no-screenshot", false, "Disable screenshots")
	flags.Bool("keep-alive", false, "Do not exit once every page completed")
	flags.Bool("fail-fast", false, "Skip the remaining pages after the first failing one")
	flags.String("report-dir", "report", "Directory receiving the report and the driver outputs")
	flags.String("testsuite", "", "Testsuite page declaring the pages to run")
	flags.String("page-filter", "", "Regular expression selecting the pages to run")
	flags.String("page-params", "", "Query parameters added to every page URL")
	flags.Bool("coverage", false, "Generate the coverage report")
	flags.StringP("output", "o", "", "Write the summary to a file instead of stdout")
	flags.StringP("format", "f", "table", "Summary format (table, json)")

	bindFlags(runCmd, map[string]string{
		"cwd":                "runner.cwd",
		"browser":            "runner.browser",
		"browser-arg":        "runner.browser_args",
		"browser-retry":      "runner.browser_retry",
		"parallel":           "runner.parallel",
		"page-timeout":       "runner.page_timeout",
		"global-timeout":     "runner.global_timeout",
		"screenshot-timeout": "runner.screenshot_timeout",
		"no-screenshot":      "runner.no_screenshot",
		"keep-alive":         "runner.keep_alive",
		"fail-fast":          "runner.fail_fast",
		"report-dir":         "runner.report_dir",
		"testsuite":          "runner.testsuite",
		"page-filter":        "runner.page_filter",
		"page-params":        "runner.page_params",
		"coverage":           "coverage.enabled",
	})
	return runCmd
}

// finalizeConfig validates cfg once the arguments are merged in and resolves
// its paths against the current directory.
func finalizeConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	if err := cfg.Runner.Finalize(wd); err != nil {
		return err
	}
	return cfg.Coverage.Finalize(cfg.Runner.CWD)
}

// pageRun holds the components of one run.
type pageRun struct {
	job       *job.Job
	manager   *browser.Manager
	scheduler *engine.Scheduler
	logger    *zap.Logger
}

// newPageRun wires the components of a run. cfg is expected to be finalized.
func newPageRun(cfg *config.Config, spawner driver.Spawner, runner shell.Runner, reporter reporting.Reporter, logger *zap.Logger) (*pageRun, error) {
	j := job.New(cfg.Runner)
	logger = logger.With(zap.String("job_id", j.ID.String()))

	hooks, err := qunit.New(j, logger)
	if err != nil {
		return nil, err
	}
	manager, err := browser.NewManager(j, spawner, logger,
		browser.WithEventHandler(hooks),
		browser.WithLaunchRate(cfg.Driver.LaunchRate, cfg.Driver.LaunchBurst),
		browser.WithGracePeriod(cfg.Driver.GracePeriod),
	)
	if err != nil {
		return nil, err
	}
	hooks.Bind(manager)

	prober, err := browser.NewProber(spawner, runner, logger,
		browser.WithNPMCommand(cfg.Driver.NPMCommand),
		browser.WithProbeGracePeriod(cfg.Driver.GracePeriod),
	)
	if err != nil {
		return nil, err
	}

	coverage := reporting.NewCoverageReporter(cfg.Coverage, cfg.Runner.CWD, runner, logger)
	finalizer, err := reporting.NewFinalizer(reporter, coverage, logger)
	if err != nil {
		return nil, err
	}

	scheduler, err := engine.New(j, logger, prober, manager, finalizer)
	if err != nil {
		return nil, err
	}
	return &pageRun{job: j, manager: manager, scheduler: scheduler, logger: logger}, nil
}

// execute runs the scheduler. With KeepAlive set it then waits for ctx to be
// cancelled. Remaining sessions are stopped before returning.
func (r *pageRun) execute(ctx context.Context) (*reporting.Summary, error) {
	defer r.shutdown()

	summary, err := r.scheduler.Run(ctx)
	if err != nil {
		return summary, err
	}
	if r.job.Config.KeepAlive {
		r.logger.Info("Keeping alive.")
		<-ctx.Done()
	}
	return summary, nil
}

func (r *pageRun) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.manager.StopAll(ctx); err != nil {
		r.logger.Warn("Error while stopping the remaining pages", zap.Error(err))
	}
}
