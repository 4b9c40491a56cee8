// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultBrowser is the driver command used when none is configured. It is
// looked up in PATH.
const DefaultBrowser = "chromedp-driver"

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Driver   DriverConfig   `mapstructure:"driver" yaml:"driver"`
	Coverage CoverageConfig `mapstructure:"coverage" yaml:"coverage"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RunnerConfig is the immutable description of one run. A job.Job is seeded
// from it once the paths have been finalized.
type RunnerConfig struct {
	CWD               string        `mapstructure:"cwd" yaml:"cwd"`
	Browser           string        `mapstructure:"browser" yaml:"browser"`
	BrowserArgs       []string      `mapstructure:"browser_args" yaml:"browser_args"`
	BrowserRetry      int           `mapstructure:"browser_retry" yaml:"browser_retry"`
	PageTimeout       time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	GlobalTimeout     time.Duration `mapstructure:"global_timeout" yaml:"global_timeout"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout" yaml:"screenshot_timeout"`
	Parallel          int           `mapstructure:"parallel" yaml:"parallel"`
	NoScreenshot      bool          `mapstructure:"no_screenshot" yaml:"no_screenshot"`
	KeepAlive         bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	FailFast          bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
	ReportDir         string        `mapstructure:"report_dir" yaml:"report_dir"`
	URLs              []string      `mapstructure:"urls" yaml:"urls"`
	Testsuite         string        `mapstructure:"testsuite" yaml:"testsuite"`
	PageFilter        string        `mapstructure:"page_filter" yaml:"page_filter"`
	PageParams        string        `mapstructure:"page_params" yaml:"page_params"`
	ProbeURL          string        `mapstructure:"probe_url" yaml:"probe_url"`
}

// DriverConfig tunes how driver processes are launched and terminated.
type DriverConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	LaunchRate  float64       `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst int           `mapstructure:"launch_burst" yaml:"launch_burst"`
	NPMCommand  string        `mapstructure:"npm_command" yaml:"npm_command"`
}

// CoverageConfig controls the coverage report step run at finalization.
type CoverageConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	Command   string   `mapstructure:"command" yaml:"command"`
	TempDir   string   `mapstructure:"temp_dir" yaml:"temp_dir"`
	ReportDir string   `mapstructure:"report_dir" yaml:"report_dir"`
	Reporters []string `mapstructure:"reporters" yaml:"reporters"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagerunner")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Runner --
	v.SetDefault("runner.cwd", ".")
	v.SetDefault("runner.browser", DefaultBrowser)
	v.SetDefault("runner.browser_args", []string{})
	v.SetDefault("runner.browser_retry", 1)
	v.SetDefault("runner.page_timeout", "0s")
	v.SetDefault("runner.global_timeout", "0s")
	v.SetDefault("runner.screenshot_timeout", "2s")
	v.SetDefault("runner.parallel", 2)
	v.SetDefault("runner.no_screenshot", false)
	v.SetDefault("runner.keep_alive", false)
	v.SetDefault("runner.fail_fast", false)
	v.SetDefault("runner.report_dir", "report")
	v.SetDefault("runner.urls", []string{})
	v.SetDefault("runner.testsuite", "")
	v.SetDefault("runner.probe_url", "about:blank")

	// -- Driver --
	v.SetDefault("driver.grace_period", "5s")
	v.SetDefault("driver.launch_rate", 0.0)
	v.SetDefault("driver.launch_burst", 1)
	v.SetDefault("driver.npm_command", "npm")

	// -- Coverage --
	v.SetDefault("coverage.enabled", false)
	v.SetDefault("coverage.command", "nyc")
	v.SetDefault("coverage.temp_dir", ".nyc_output")
	v.SetDefault("coverage.report_dir", "coverage")
	v.SetDefault("coverage.reporters", []string{"lcov", "cobertura"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
// Paths are left as configured; call Finalize before handing the runner
// configuration to a job.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var pageURLPattern = regexp.MustCompile(`^https?://[^ "]+$`)

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Runner.Validate(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if c.Driver.GracePeriod < 0 {
		return errors.New("driver.grace_period must not be negative")
	}
	if c.Driver.LaunchRate < 0 {
		return errors.New("driver.launch_rate must not be negative")
	}
	if c.Coverage.Enabled && c.Coverage.Command == "" {
		return errors.New("coverage.command is required when coverage is enabled")
	}
	return nil
}

// Validate checks the runner settings.
func (r *RunnerConfig) Validate() error {
	if strings.TrimSpace(r.Browser) == "" {
		return errors.New("browser command is required")
	}
	if r.BrowserRetry < 0 {
		return errors.New("browser_retry must be >= 0")
	}
	if r.Parallel < 0 {
		return errors.New("parallel must be >= 0")
	}
	if r.PageTimeout < 0 || r.GlobalTimeout < 0 || r.ScreenshotTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	for _, u := range r.URLs {
		if !pageURLPattern.MatchString(u) {
			return fmt.Errorf("invalid url %q", u)
		}
	}
	if r.Testsuite != "" && !pageURLPattern.MatchString(r.Testsuite) {
		return fmt.Errorf("invalid testsuite url %q", r.Testsuite)
	}
	if r.PageFilter != "" {
		if _, err := regexp.Compile(r.PageFilter); err != nil {
			return fmt.Errorf("invalid page_filter: %w", err)
		}
	}
	return nil
}

// Finalize resolves every path relative to the working directory and checks
// the browser command can be executed. initialCwd is the directory the process
// was started from. Parallel <= 0 means no page is run, which implies KeepAlive.
func (r *RunnerConfig) Finalize(initialCwd string) error {
	cwd, err := toAbsolute(r.CWD, initialCwd)
	if err != nil {
		return fmt.Errorf("cwd: %w", err)
	}
	r.CWD = cwd

	if r.ReportDir, err = toAbsolute(r.ReportDir, cwd); err != nil {
		return fmt.Errorf("report_dir: %w", err)
	}

	browser, err := homedir.Expand(r.Browser)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if !strings.ContainsRune(browser, filepath.Separator) {
		// A bare command name is looked up in PATH.
		if resolved, lookErr := exec.LookPath(browser); lookErr == nil {
			browser = resolved
		}
	}
	if r.Browser, err = toAbsolute(browser, cwd); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if err := checkAccess(r.Browser, "browser command", true); err != nil {
		return err
	}

	if r.Parallel <= 0 {
		r.KeepAlive = true
	}
	return nil
}

// Finalize resolves the coverage directories relative to cwd.
func (c *CoverageConfig) Finalize(cwd string) error {
	var err error
	if c.TempDir, err = toAbsolute(c.TempDir, cwd); err != nil {
		return fmt.Errorf("coverage.temp_dir: %w", err)
	}
	if c.ReportDir, err = toAbsolute(c.ReportDir, cwd); err != nil {
		return fmt.Errorf("coverage.report_dir: %w", err)
	}
	return nil
}

func toAbsolute(path, from string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Abs(filepath.Join(from, expanded))
}

func checkAccess(path, label string, file bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("unable to access %s, check your settings: %w", label, err)
	}
	if file && !info.Mode().IsRegular() {
		return fmt.Errorf("unable to access %s, file expected", label)
	}
	if !file && !info.IsDir() {
		return fmt.Errorf("unable to access %s, folder expected", label)
	}
	return nil
}
