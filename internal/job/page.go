package job

import (
	"time"
)

// Status is the state of a page within a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	// StatusCrashed marks a page whose driver kept failing until retries ran out.
	StatusCrashed Status = "crashed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// Report is the result a page produced.
type Report struct {
	Failed  int           `json:"failed"`
	Passed  int           `json:"passed"`
	Total   int           `json:"total"`
	Runtime time.Duration `json:"runtime"`
}

// Page is the outcome of one page.
type Page struct {
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	Report      *Report   `json:"report,omitempty"`
	Err         string    `json:"error,omitempty"`
	Retries     int       `json:"retries"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	Screenshots []string  `json:"screenshots,omitempty"`
}

func (p *Page) clone() Page {
	c := *p
	if p.Report != nil {
		r := *p.Report
		c.Report = &r
	}
	c.Screenshots = append([]string(nil), p.Screenshots...)
	return c
}

// page returns the record for url, creating it. Callers hold j.mu.
func (j *Job) page(url string) *Page {
	p, ok := j.pages[url]
	if !ok {
		p = &Page{URL: url, Status: StatusPending}
		j.pages[url] = p
	}
	return p
}

func (j *Job) update(url string, fn func(p *Page)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j.page(url))
}

// MarkRunning records that a driver is being launched for url.
func (j *Job) MarkRunning(url string) {
	j.update(url, func(p *Page) {
		p.Status = StatusRunning
		if p.StartedAt.IsZero() {
			p.StartedAt = time.Now()
		}
	})
}

// RecordRetry counts one more driver launch after a crash.
func (j *Job) RecordRetry(url string) {
	j.update(url, func(p *Page) { p.Retries++ })
}

// RecordReport stores the page result.
func (j *Job) RecordReport(url string, report Report) {
	j.update(url, func(p *Page) {
		p.Report = &report
		if report.Failed > 0 {
			p.Status = StatusFailed
		} else {
			p.Status = StatusPassed
		}
		p.EndedAt = time.Now()
	})
}

// RecordCrash records that the driver of url kept crashing. A report received
// before the crash is kept.
func (j *Job) RecordCrash(url string, err error) {
	j.update(url, func(p *Page) {
		if err != nil {
			p.Err = err.Error()
		}
		if p.Report == nil {
			p.Status = StatusCrashed
		}
		p.EndedAt = time.Now()
	})
}

// MarkTimedOut records that url was stopped by a timeout before reporting.
func (j *Job) MarkTimedOut(url string) {
	j.update(url, func(p *Page) {
		if p.Report == nil && p.Status != StatusCrashed {
			p.Status = StatusTimeout
			p.Err = "timeout"
		}
	})
}

// MarkSkipped records that url was never run.
func (j *Job) MarkSkipped(url string) {
	j.update(url, func(p *Page) {
		p.Status = StatusSkipped
		p.EndedAt = time.Now()
	})
}

// Settle closes the record of a page whose session ended. A page still
// running at this point never reported and is failed.
func (j *Job) Settle(url string) Page {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := j.page(url)
	if p.Status == StatusRunning && p.Report == nil {
		p.Status = StatusFailed
		p.Err = "no report received"
	}
	if p.EndedAt.IsZero() {
		p.EndedAt = time.Now()
	}
	return p.clone()
}

// AddScreenshot records a screenshot taken for url.
func (j *Job) AddScreenshot(url, name string) {
	j.update(url, func(p *Page) { p.Screenshots = append(p.Screenshots, name) })
}

// Page returns a copy of the record of url.
func (j *Job) Page(url string) (Page, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p, ok := j.pages[url]
	if !ok {
		return Page{}, false
	}
	return p.clone(), true
}

// Pages returns the records of every listed page, in list order. Pages that
// were never touched are reported as pending.
func (j *Job) Pages() []Page {
	j.mu.RLock()
	defer j.mu.RUnlock()
	pages := make([]Page, 0, len(j.urls))
	for _, url := range j.urls {
		if p, ok := j.pages[url]; ok {
			pages = append(pages, p.clone())
			continue
		}
		pages = append(pages, Page{URL: url, Status: StatusPending})
	}
	return pages
}
