package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

//go:embed hooks.js
var hooksScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pollInterval = 100 * time.Millisecond
	// drainExpression empties the event queue filled by hooks.js.
	drainExpression = `window.__pagerunnerEvents ? window.__pagerunnerEvents.splice(0) : []`
)

// sender is the part of protocol.Conn the page loop writes to.
type sender interface {
	Send(msg protocol.Message) error
}

// receiver is the part of protocol.Conn the command reader uses.
type receiver interface {
	Receive() (protocol.Message, error)
}

type pageDriver struct {
	cfg    protocol.LaunchConfig
	out    sender
	in     receiver
	logger *zap.Logger
}

func newPageDriver(cfg protocol.LaunchConfig, conn *protocol.Conn, logger *zap.Logger) *pageDriver {
	return &pageDriver{cfg: cfg, out: conn, in: conn, logger: logger}
}

// Run opens the page and relays its events until the runner sends a stop, the
// runner goes away, or ctx is done.
func (d *pageDriver) Run(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(d.cfg.Args)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))
	defer browserCancel()

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if ev, ok := ev.(*runtime.EventConsoleAPICalled); ok {
			fmt.Fprintf(os.Stdout, "[console.%s] %s\n", ev.Type, consoleText(ev.Args))
		}
	})

	err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hooksScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(d.cfg.URL),
	)
	if err != nil {
		return fmt.Errorf("failed to open page: %w", err)
	}
	d.logger.Info("Page opened.")

	commands := make(chan protocol.Message)
	go d.readCommands(browserCtx, commands)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-commands:
			if !ok {
				d.logger.Info("Runner channel closed.")
				return nil
			}
			switch m := msg.(type) {
			case protocol.Stop:
				d.logger.Info("Stop requested.")
				_ = d.drain(browserCtx)
				return nil
			case protocol.Screenshot:
				d.screenshot(browserCtx, m.Filename)
			}
		case <-ticker.C:
			if err := d.drain(browserCtx); err != nil {
				return err
			}
		}
	}
}

// readCommands forwards the runner commands to ch and closes it once the
// channel ends.
func (d *pageDriver) readCommands(ctx context.Context, ch chan<- protocol.Message) {
	defer close(ch)
	for {
		msg, err := d.in.Receive()
		if errors.Is(err, protocol.ErrInvalidMessage) || errors.Is(err, protocol.ErrUnknownCommand) {
			d.logger.Warn("Ignoring command.", zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Warn("Failed to read command.", zap.Error(err))
			}
			return
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// drain pulls the pending page events and sends them to the runner.
func (d *pageDriver) drain(ctx context.Context) error {
	var raw []byte
	if err := chromedp.Run(ctx, chromedp.Evaluate(drainExpression, &raw)); err != nil {
		return fmt.Errorf("failed to read page events: %w", err)
	}
	msgs, err := decodeEvents(raw)
	if err != nil {
		d.logger.Warn("Dropping malformed page events.", zap.Error(err))
	}
	for _, msg := range msgs {
		if err := d.out.Send(msg); err != nil {
			return fmt.Errorf("failed to send %s: %w", msg.Command(), err)
		}
	}
	return nil
}

func (d *pageDriver) screenshot(ctx context.Context, filename string) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		d.logger.Warn("Failed to capture screenshot.", zap.String("filename", filename), zap.Error(err))
	} else if err := os.WriteFile(filename, buf, 0o644); err != nil {
		d.logger.Warn("Failed to write screenshot.", zap.String("filename", filename), zap.Error(err))
	}
	// The runner waits for the ack even when the capture failed.
	if err := d.out.Send(protocol.Ack{Tag: protocol.CommandScreenshot, Filename: filename}); err != nil {
		d.logger.Debug("Failed to acknowledge screenshot.", zap.Error(err))
	}
}

// decodeEvents decodes the JSON array of events queued by hooks.js. Events
// the runner would reject are skipped and reported in the returned error.
func decodeEvents(raw []byte) ([]protocol.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("events are not a JSON array: %w", err)
	}
	msgs := make([]protocol.Message, 0, len(items))
	var errs error
	for _, item := range items {
		msg, err := protocol.Unmarshal(item, protocol.Runner)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errs
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, string(arg.Value))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}
