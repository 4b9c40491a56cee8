// Package job holds the state of one run: the runner configuration it was
// created from, the driver capabilities, the ordered page list and the
// per-page outcomes.
package job

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/xkilldash9x/pagerunner/internal/config"
)

// ErrCapabilitiesAlreadySet is returned when capabilities are set twice.
var ErrCapabilitiesAlreadySet = errors.New("job: capabilities already set")

// Job is shared by every component of a run. It is safe for concurrent use.
type Job struct {
	ID        uuid.UUID
	Config    config.RunnerConfig
	StartedAt time.Time

	mu    sync.RWMutex
	caps  *Capabilities
	urls  []string
	pages map[string]*Page

	started   atomic.Int64
	completed atomic.Int64
}

// New creates a job for cfg. cfg is expected to be finalized.
func New(cfg config.RunnerConfig) *Job {
	j := &Job{
		ID:        uuid.New(),
		Config:    cfg,
		StartedAt: time.Now(),
		pages:     make(map[string]*Page),
	}
	j.urls = dedupe(nil, cfg.URLs)
	return j
}

// Capabilities returns the driver capabilities and whether they were probed.
func (j *Job) Capabilities() (Capabilities, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.caps == nil {
		return DefaultCapabilities(), false
	}
	return j.caps.clone(), true
}

// SetCapabilities stores the probed capabilities. They cannot change afterwards.
func (j *Job) SetCapabilities(caps Capabilities) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.caps != nil {
		return ErrCapabilitiesAlreadySet
	}
	c := caps.clone()
	j.caps = &c
	return nil
}

// URLs returns a copy of the ordered page list.
func (j *Job) URLs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]string(nil), j.urls...)
}

// SetURLs replaces the page list. Duplicates are dropped.
func (j *Job) SetURLs(urls []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.urls = dedupe(nil, urls)
}

// AddURLs appends pages not already listed.
func (j *Job) AddURLs(urls ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.urls = dedupe(j.urls, urls)
}

// Total is the number of pages to run.
func (j *Job) Total() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.urls)
}

// ResetCounters zeroes the started and completed counters.
func (j *Job) ResetCounters() {
	j.started.Store(0)
	j.completed.Store(0)
}

// ClaimNext hands out the next unclaimed page. Claiming is a single atomic
// increment so that a page is never handed out twice.
func (j *Job) ClaimNext() (string, bool) {
	n := j.started.Add(1)
	j.mu.RLock()
	defer j.mu.RUnlock()
	if n > int64(len(j.urls)) {
		return "", false
	}
	return j.urls[n-1], true
}

// Complete records the completion of a claimed page and returns the number of
// completed pages.
func (j *Job) Complete() int {
	return int(j.completed.Add(1))
}

// Started returns how many pages were claimed.
func (j *Job) Started() int {
	n := int(j.started.Load())
	if total := j.Total(); n > total {
		return total
	}
	return n
}

// Completed returns how many claimed pages completed.
func (j *Job) Completed() int {
	return int(j.completed.Load())
}

// PageID derives a short file-system safe identifier from a page URL. It is
// the base64 form of an 8 byte SHAKE-256 digest, without padding, with '+'
// and '/' replaced by '_' and '$'.
func PageID(url string) string {
	sum := make([]byte, 8)
	sha3.ShakeSum256(sum, []byte(url))
	id := base64.StdEncoding.EncodeToString(sum)
	id = strings.ReplaceAll(id, "=", "")
	id = strings.ReplaceAll(id, "+", "_")
	return strings.ReplaceAll(id, "/", "$")
}

func dedupe(into []string, urls []string) []string {
	seen := make(map[string]struct{}, len(into)+len(urls))
	for _, u := range into {
		seen[u] = struct{}{}
	}
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		into = append(into, u)
	}
	return into
}
