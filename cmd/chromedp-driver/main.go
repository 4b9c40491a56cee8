// Command chromedp-driver is the reference browser driver of pagerunner. It
// opens one test page in a headless Chrome through chromedp and forwards the
// QUnit progress of the page to the runner over the inherited channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/pagerunner/internal/config"
	"github.com/xkilldash9x/pagerunner/internal/observability"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: chromedp-driver <launch-config.json>")
		os.Exit(2)
	}

	// stderr is captured in the page directory by the runner.
	logger := observability.NewLogger(config.LoggerConfig{Level: "info", Format: "console"}, zapcore.Lock(os.Stderr))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Driver failed.", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *zap.Logger) error {
	cfg, err := protocol.ReadLaunchConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Capabilities != "" {
		return probe(cfg)
	}

	conn, err := protocol.OpenChildConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	logger = logger.With(zap.String("url", cfg.URL), zap.Int("retry", cfg.Retry))
	d := newPageDriver(cfg, conn, logger)
	return d.Run(ctx)
}

// probe answers a capability probe without starting a browser.
func probe(cfg protocol.LaunchConfig) error {
	enabled := true
	return protocol.WriteCapabilities(cfg.Capabilities, protocol.CapabilityDescriptor{
		Screenshot: &enabled,
		Console:    &enabled,
		Parallel:   &enabled,
	})
}
