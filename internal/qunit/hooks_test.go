package qunit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagerunner/internal/config"
	"github.com/xkilldash9x/pagerunner/internal/job"
	"github.com/xkilldash9x/pagerunner/internal/protocol"
)

const pageURL = "http://localhost:8080/test/integration/opaTests.qunit.html"

type mockController struct {
	mock.Mock
}

func (m *mockController) Screenshot(ctx context.Context, url, filename string) error {
	return m.Called(ctx, url, filename).Error(0)
}

func (m *mockController) Stop(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func newHooks(t *testing.T, mutate func(*config.RunnerConfig)) (*Hooks, *job.Job, *mockController) {
	t.Helper()
	cfg := config.NewDefaultConfig().Runner
	if mutate != nil {
		mutate(&cfg)
	}
	j := job.New(cfg)
	h, err := New(j, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctrl := &mockController{}
	h.Bind(ctrl)
	return h, j, ctrl
}

func begin(isOpa bool) protocol.Begin {
	return protocol.Begin{
		IsOpa:      isOpa,
		TotalTests: 2,
		Modules: []protocol.Module{
			{Name: "journey", Tests: []protocol.TestRef{{TestID: "a1"}, {TestID: "b2"}}},
		},
	}
}

func TestBeginRecordsTests(t *testing.T) {
	h, _, ctrl := newHooks(t, nil)
	h.HandleEvent(context.Background(), pageURL, begin(true))

	page, ok := h.Page(pageURL)
	require.True(t, ok)
	assert.True(t, page.IsOpa)
	assert.Equal(t, 2, page.TotalTests)
	require.Len(t, page.Tests, 2)
	assert.Equal(t, "a1", page.Tests[0].ID)
	assert.Equal(t, "b2", page.Tests[1].ID)
	ctrl.AssertExpectations(t)
}

func TestLogTakesScreenshotsOnOpaPages(t *testing.T) {
	h, j, ctrl := newHooks(t, nil)
	ctrl.On("Screenshot", mock.Anything, pageURL, "a1-120.png").Return(nil).Once()

	h.HandleEvent(context.Background(), pageURL, begin(true))
	h.HandleEvent(context.Background(), pageURL, protocol.Log{TestID: "a1", Runtime: 120, Result: true})

	ctrl.AssertExpectations(t)
	page, _ := h.Page(pageURL)
	assert.Equal(t, []int64{120}, page.Tests[0].Screenshots)
	assert.Equal(t, 1, page.Passed)

	jobPage, ok := j.Page(pageURL)
	require.True(t, ok)
	assert.Equal(t, []string{"a1-120.png"}, jobPage.Screenshots)
}

func TestLogWithoutScreenshot(t *testing.T) {
	cases := []struct {
		name   string
		isOpa  bool
		mutate func(*config.RunnerConfig)
		caps   *job.Capabilities
	}{
		{name: "unit page", isOpa: false},
		{name: "disabled", isOpa: true, mutate: func(c *config.RunnerConfig) { c.NoScreenshot = true }},
		{name: "unsupported", isOpa: true, caps: &job.Capabilities{Screenshot: false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, j, ctrl := newHooks(t, tc.mutate)
			if tc.caps != nil {
				require.NoError(t, j.SetCapabilities(*tc.caps))
			}
			h.HandleEvent(context.Background(), pageURL, begin(tc.isOpa))
			h.HandleEvent(context.Background(), pageURL, protocol.Log{TestID: "a1", Runtime: 5})

			ctrl.AssertNotCalled(t, "Screenshot", mock.Anything, mock.Anything, mock.Anything)
			page, _ := h.Page(pageURL)
			assert.Equal(t, 1, page.Failed)
		})
	}
}

func TestLogBeforeBeginIsIgnored(t *testing.T) {
	h, _, ctrl := newHooks(t, nil)
	h.HandleEvent(context.Background(), pageURL, protocol.Log{TestID: "a1", Runtime: 5})
	ctrl.AssertNotCalled(t, "Screenshot", mock.Anything, mock.Anything, mock.Anything)
	_, ok := h.Page(pageURL)
	assert.False(t, ok)
}

func TestDoneRecordsReportAndStops(t *testing.T) {
	h, j, ctrl := newHooks(t, nil)
	ctrl.On("Stop", mock.Anything, pageURL).Return(nil).Once()

	h.HandleEvent(context.Background(), pageURL, protocol.Done{Failed: 1, Passed: 4, Total: 5, Runtime: 1500})

	ctrl.AssertExpectations(t)
	page, ok := j.Page(pageURL)
	require.True(t, ok)
	require.NotNil(t, page.Report)
	assert.Equal(t, job.Report{Failed: 1, Passed: 4, Total: 5, Runtime: 1500 * time.Millisecond}, *page.Report)
	assert.Equal(t, job.StatusFailed, page.Status)
}

func TestTestPagesAreResolvedAndAdded(t *testing.T) {
	const suite = "http://localhost:8080/test/testsuite.qunit.html"
	h, j, ctrl := newHooks(t, nil)
	ctrl.On("Stop", mock.Anything, suite).Return(nil).Once()

	h.HandleEvent(context.Background(), suite, protocol.TestPages{Pages: []string{
		"unit/unitTests.qunit.html",
		"/test/integration/opaTests.qunit.html?journey=main",
		"http://other:9000/test.html",
	}})

	ctrl.AssertExpectations(t)
	assert.Equal(t, []string{
		"http://localhost:8080/test/unit/unitTests.qunit.html",
		"http://localhost:8080/test/integration/opaTests.qunit.html?journey=main",
		"http://other:9000/test.html",
	}, j.URLs())
}

func TestUnboundHooksDoNotPanic(t *testing.T) {
	j := job.New(config.NewDefaultConfig().Runner)
	h, err := New(j, nil)
	require.NoError(t, err)
	h.HandleEvent(context.Background(), pageURL, protocol.Done{Total: 1, Passed: 1})
	page, _ := j.Page(pageURL)
	assert.Equal(t, job.StatusPassed, page.Status)
}
