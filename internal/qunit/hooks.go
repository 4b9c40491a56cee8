// Package qunit turns the QUnit events forwarded by drivers into page results.
package qunit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

// Controller is the part of the session manager the hooks drive.
type Controller interface {
	Screenshot(ctx context.Context, url, filename string) error
	Stop(ctx context.Context, url string) error
}

// Test is a QUnit test of a page.
type Test struct {
	ID          string
	Screenshots []int64
}

// Page is what QUnit reported so far for one page.
type Page struct {
	IsOpa      bool
	TotalTests int
	Passed     int
	Failed     int
	Tests      []*Test
}

func (p *Page) test(id string) *Test {
	for _, t := range p.Tests {
		if t.ID == id {
			return t
		}
	}
	t := &Test{ID: id}
	p.Tests = append(p.Tests, t)
	return t
}

// Hooks handles the events of every page of a job.
type Hooks struct {
	job    *job.Job
	logger *zap.Logger

	mu    sync.Mutex
	ctrl  Controller
	pages map[string]*Page
}

// New creates the hooks of j. Bind must be called before events flow.
func New(j *job.Job, logger *zap.Logger) (*Hooks, error) {
	if j == nil {
		return nil, errors.New("qunit: job cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{
		job:    j,
		logger: logger.Named("qunit"),
		pages:  make(map[string]*Page),
	}, nil
}

// Bind sets the controller used to take screenshots and stop pages. The
// session manager takes the hooks as its event handler, hence the late
// binding.
func (h *Hooks) Bind(ctrl Controller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctrl = ctrl
}

func (h *Hooks) controller() Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl
}

// Page returns a snapshot of what was reported for pageURL.
func (h *Hooks) Page(pageURL string) (Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pages[pageURL]
	if !ok {
		return Page{}, false
	}
	snapshot := *p
	snapshot.Tests = make([]*Test, len(p.Tests))
	for i, t := range p.Tests {
		c := *t
		c.Screenshots = append([]int64(nil), t.Screenshots...)
		snapshot.Tests[i] = &c
	}
	return snapshot, true
}

// HandleEvent dispatches one driver event.
func (h *Hooks) HandleEvent(ctx context.Context, pageURL string, msg protocol.Message) {
	logger := h.logger.With(zap.String("url", pageURL))
	switch m := msg.(type) {
	case protocol.Begin:
		h.begin(pageURL, m)
		logger.Debug("QUnit started.", zap.Bool("opa", m.IsOpa), zap.Int("tests", m.TotalTests))
	case protocol.Log:
		h.log(ctx, logger, pageURL, m)
	case protocol.Done:
		h.done(ctx, logger, pageURL, m)
	case protocol.TestPages:
		h.testPages(ctx, logger, pageURL, m)
	default:
		logger.Warn("Unexpected driver event.", zap.String("command", string(msg.Command())))
	}
}

func (h *Hooks) begin(pageURL string, m protocol.Begin) {
	page := &Page{IsOpa: m.IsOpa, TotalTests: m.TotalTests}
	for _, module := range m.Modules {
		for _, t := range module.Tests {
			page.test(t.TestID)
		}
	}
	h.mu.Lock()
	h.pages[pageURL] = page
	h.mu.Unlock()
}

func (h *Hooks) log(ctx context.Context, logger *zap.Logger, pageURL string, m protocol.Log) {
	h.mu.Lock()
	page, ok := h.pages[pageURL]
	if !ok {
		h.mu.Unlock()
		logger.Warn("QUnit log received before begin.", zap.String("test", m.TestID))
		return
	}
	if m.Result {
		page.Passed++
	} else {
		page.Failed++
	}
	takeScreenshot := page.IsOpa && h.screenshotsEnabled()
	if takeScreenshot {
		t := page.test(m.TestID)
		t.Screenshots = append(t.Screenshots, m.Runtime)
	}
	h.mu.Unlock()

	if !takeScreenshot {
		return
	}
	name := fmt.Sprintf("%s-%d.png", m.TestID, m.Runtime)
	h.job.AddScreenshot(pageURL, name)
	if ctrl := h.controller(); ctrl != nil {
		if err := ctrl.Screenshot(ctx, pageURL, name); err != nil {
			logger.Debug("Screenshot failed.", zap.Error(err))
		}
	}
}

func (h *Hooks) screenshotsEnabled() bool {
	if h.job.Config.NoScreenshot {
		return false
	}
	caps, _ := h.job.Capabilities()
	return caps.Screenshot
}

func (h *Hooks) done(ctx context.Context, logger *zap.Logger, pageURL string, m protocol.Done) {
	report := job.Report{
		Failed:  m.Failed,
		Passed:  m.Passed,
		Total:   m.Total,
		Runtime: time.Duration(m.Runtime) * time.Millisecond,
	}
	h.job.RecordReport(pageURL, report)
	logger.Info("Page done.",
		zap.Int("failed", m.Failed),
		zap.Int("passed", m.Passed),
		zap.Int("total", m.Total),
		zap.Duration("runtime", report.Runtime))
	h.stop(ctx, logger, pageURL)
}

// testPages collects the pages declared by a testsuite. Relative page
// references are resolved against the testsuite URL.
func (h *Hooks) testPages(ctx context.Context, logger *zap.Logger, pageURL string, m protocol.TestPages) {
	base, err := url.Parse(pageURL)
	if err != nil {
		logger.Error("Invalid testsuite URL.", zap.Error(err))
	}
	pages := make([]string, 0, len(m.Pages))
	for _, p := range m.Pages {
		ref, err := url.Parse(p)
		if err != nil {
			logger.Warn("Ignoring invalid test page.", zap.String("page", p), zap.Error(err))
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		pages = append(pages, ref.String())
	}
	h.job.AddURLs(pages...)
	logger.Info("Test pages extracted.", zap.Int("count", len(pages)))
	h.stop(ctx, logger, pageURL)
}

func (h *Hooks) stop(ctx context.Context, logger *zap.Logger, pageURL string) {
	ctrl := h.controller()
	if ctrl == nil {
		return
	}
	if err := ctrl.Stop(ctx, pageURL); err != nil {
		logger.Warn("Failed to stop page.", zap.Error(err))
	}
}
