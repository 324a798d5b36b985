// internal/reporting/json_reporter_test.go
package reporting_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/reporting"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestJSONReporter_SingleReport(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "report.json")
	r, err := reporting.New("json", tmpFile)
	require.NoError(t, err)

	want := sampleReport()
	require.NoError(t, r.Write(want))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)

	// A single report is emitted as a bare object, not a one-element array.
	got, err := schemas.DecodeReport(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got))
}

func TestJSONReporter_MultipleReports(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "reports.json")
	r, err := reporting.New("json", tmpFile)
	require.NoError(t, err)

	first := sampleReport()
	second := &schemas.AnalysisReport{
		MacroName: "Smoke",
		MacroURL:  "https://example.com",
		Timestamp: time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Write(first))
	require.NoError(t, r.Write(second))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)

	var got []*schemas.AnalysisReport
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Empty(t, cmp.Diff(first, got[0]))
	assert.Empty(t, cmp.Diff(second, got[1]))
}

func TestJSONReporter_NoReports(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "empty.json")
	r, err := reporting.New("json", tmpFile)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)

	// An empty run still produces a valid document.
	assert.JSONEq(t, "[]", string(data))
}

func TestJSONReporter_NilReport(t *testing.T) {
	r := reporting.NewJSONReporter(nopCloser{})
	err := r.Write(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "report cannot be nil")
}

type nopCloser struct{}

func (nopCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopCloser) Close() error                { return nil }
