package reporting

import (
	"time"

	"github.com/xkilldash9x/pagerunner/internal/job"
)

// NoReport is the failure count of a page that never produced a report. Such
// a page counts as one failure.
const NoReport = -1

// PageResult is one row of the final report.
type PageResult struct {
	URL         string        `json:"url"`
	ID          string        `json:"id"`
	Status      job.Status    `json:"status"`
	Failed      int           `json:"failed"`
	Passed      int           `json:"passed"`
	Total       int           `json:"total"`
	Runtime     time.Duration `json:"runtime"`
	Retries     int           `json:"retries"`
	Error       string        `json:"error,omitempty"`
	Screenshots []string      `json:"screenshots,omitempty"`
}

// Summary is the outcome of a run. Failed is the process exit code.
type Summary struct {
	RunID     string        `json:"runId"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Failed    int           `json:"failed"`
	Pages     []PageResult  `json:"pages"`
}

// Summarize builds the summary of j. Every listed page appears exactly once,
// in list order.
func Summarize(j *job.Job, now time.Time) *Summary {
	s := &Summary{
		RunID:     j.ID.String(),
		StartedAt: j.StartedAt,
		Elapsed:   now.Sub(j.StartedAt),
	}
	for _, p := range j.Pages() {
		row := PageResult{
			URL:         p.URL,
			ID:          job.PageID(p.URL),
			Status:      p.Status,
			Failed:      NoReport,
			Retries:     p.Retries,
			Error:       p.Err,
			Screenshots: p.Screenshots,
		}
		if p.Report != nil {
			row.Failed = p.Report.Failed
			row.Passed = p.Report.Passed
			row.Total = p.Report.Total
			row.Runtime = p.Report.Runtime
			s.Failed += p.Report.Failed
		} else {
			s.Failed++
		}
		s.Pages = append(s.Pages, row)
	}
	return s
}
