package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/pagerunner/internal/browser"
	"github.com/xkilldash9x/pagerunner/internal/driver"
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/observability"
	"github.com/xkilldash9x/pagerunner/internal/shell"
)

type probeOutput struct {
	Screenshot bool              `yaml:"screenshot"`
	Console    bool              `yaml:"console"`
	Parallel   bool              `yaml:"parallel"`
	Modules    map[string]string `yaml:"modules"`
}

// newProbeCmd creates the `probe` command, which prints the capabilities of
// the configured browser driver.
func newProbeCmd() *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Probes the browser driver and prints its capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := finalizeConfig(cfg); err != nil {
				return err
			}

			j := job.New(cfg.Runner)
			prober, err := browser.NewProber(driver.ExecSpawner{}, shell.NewExecRunner(logger), logger,
				browser.WithNPMCommand(cfg.Driver.NPMCommand),
				browser.WithProbeGracePeriod(cfg.Driver.GracePeriod),
			)
			if err != nil {
				return err
			}
			if err := prober.Probe(ctx, j); err != nil {
				return err
			}

			caps, _ := j.Capabilities()
			out, err := yaml.Marshal(probeOutput{
				Screenshot: caps.Screenshot,
				Console:    caps.Console,
				Parallel:   caps.Parallel,
				Modules:    caps.Modules,
			})
			if err != nil {
				return fmt.Errorf("failed to encode capabilities: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	probeCmd.Flags().String("browser", "", "Browser driver command")
	probeCmd.Flags().StringArray("browser-arg", nil, "Argument passed to the browser driver (repeatable)")
	probeCmd.Flags().String("report-dir", "", "Directory receiving the probe outputs")
	bindFlags(probeCmd, map[string]string{
		"browser":     "runner.browser",
		"browser-arg": "runner.browser_args",
		"report-dir":  "runner.report_dir",
	})
	return probeCmd
}
