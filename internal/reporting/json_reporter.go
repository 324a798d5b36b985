// internal/reporting/json_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/slotheather55/webspark/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter buffers reports and emits them on Close: a single report as
// one object, so a one-run invocation produces the same document the HTTP
// API serves, and several reports as an array.
type JSONReporter struct {
	writer  io.WriteCloser
	mu      sync.Mutex
	reports []*schemas.AnalysisReport
}

// NewJSONReporter creates a reporter that takes ownership of the writer.
func NewJSONReporter(writer io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: writer}
}

// Write buffers one report for the final document.
func (r *JSONReporter) Write(report *schemas.AnalysisReport) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

// Close encodes the buffered reports and closes the writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var payload interface{}
	switch len(r.reports) {
	case 0:
		payload = []*schemas.AnalysisReport{}
	case 1:
		payload = r.reports[0]
	default:
		payload = r.reports
	}

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(payload)
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode report output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}
