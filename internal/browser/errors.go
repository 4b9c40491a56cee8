// Package browser manages browser driver sessions: probing the driver
// capabilities once per run, then starting, stopping, retrying and
// screenshotting one driver process per test page.
package browser

import "errors"

var (
	// ErrMissingOrInvalidCapabilities is returned by Probe when the driver did
	// not write a usable capability descriptor.
	ErrMissingOrInvalidCapabilities = errors.New("MISSING_OR_INVALID_BROWSER_CAPABILITIES")
	// ErrNPMFailed is returned by Probe when a helper module could not be
	// located or installed.
	ErrNPMFailed = errors.New("NPM_FAILED")

	errSessionStopping = errors.New("browser: session is stopping")
)
