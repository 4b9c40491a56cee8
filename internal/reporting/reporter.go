package reporting

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Reporter writes a run summary to an output.
type Reporter interface {
	Write(summary *Summary) error
	// Close releases the underlying output, if owned.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format ("table" or "json") writing to outputPath.
// An empty path or "stdout" writes to the standard output.
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	r, err := newReporter(format, writer)
	if err != nil && !isStdOut {
		writer.Close()
	}
	return r, err
}

// NewForWriter creates a reporter for format writing to w. Close does not
// close w.
func NewForWriter(format string, w io.Writer) (Reporter, error) {
	return newReporter(format, &nopWriteCloser{w})
}

func newReporter(format string, w io.WriteCloser) (Reporter, error) {
	switch format {
	case "", "table":
		return &TableReporter{w: w}, nil
	case "json":
		return &JSONReporter{w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// NewTableReporter writes summaries as a table to w. Close does not close w.
func NewTableReporter(w io.Writer) *TableReporter {
	return &TableReporter{w: &nopWriteCloser{w}}
}

// TableReporter renders one row per page.
type TableReporter struct {
	w io.WriteCloser
}

func (r *TableReporter) Write(summary *Summary) error {
	table := tablewriter.NewWriter(r.w)
	table.SetHeader([]string{"URL", "Status", "Failed", "Passed", "Total", "Retries"})
	table.SetAutoWrapText(false)
	for _, p := range summary.Pages {
		table.Append([]string{
			p.URL,
			string(p.Status),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.Passed),
			strconv.Itoa(p.Total),
			strconv.Itoa(p.Retries),
		})
	}
	table.SetFooter([]string{"", "failed", strconv.Itoa(summary.Failed), "", "", ""})
	table.Render()
	_, err := fmt.Fprintf(r.w, "Time spent: %s\n", summary.Elapsed.Round(time.Millisecond))
	return err
}

func (r *TableReporter) Close() error { return r.w.Close() }

// JSONReporter writes the summary as an indented JSON document.
type JSONReporter struct {
	w io.WriteCloser
}

func (r *JSONReporter) Write(summary *Summary) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error { return r.w.Close() }
