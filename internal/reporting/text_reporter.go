// internal/reporting/text_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slotheather55/webspark/api/schemas"
)

const textRule = "================================================="

// TextReporter renders each report as a console summary, in the layout
// operators already read: page-load findings first, then one block per
// analyzed interaction, then the coverage totals.
type TextReporter struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewTextReporter creates a reporter that takes ownership of the writer.
func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

// Write formats and writes one report immediately.
func (r *TextReporter) Write(report *schemas.AnalysisReport) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.writer, FormatReport(report)); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

// FormatReport renders the console summary of a report.
func FormatReport(report *schemas.AnalysisReport) string {
	var b []string

	b = append(b,
		textRule,
		" ANALYSIS REPORT for: "+report.MacroURL,
		" Macro: "+report.MacroName,
	)
	if report.RunID != "" {
		b = append(b, " Run ID: "+report.RunID)
	}
	b = append(b,
		" Analyzed at: "+report.Timestamp.UTC().Format(time.RFC3339),
		textRule,
		"",
		"--- Page Load Analysis ---",
	)
	b = append(b, formatPageInfo(report.PageInfo)...)
	b = append(b, formatLoadEvents(report.LoadEvents)...)

	b = append(b, "", "--- Interaction Analysis ---")
	if len(report.SelectorResults) == 0 {
		b = append(b, "No interactions were analyzed.")
	}
	for _, res := range report.SelectorResults {
		b = append(b, formatResult(&res)...)
	}

	b = append(b,
		"",
		"--- Summary ---",
		fmt.Sprintf("Selectors Analyzed: %d", report.TotalSelectors),
		fmt.Sprintf("Successful Clicks: %d", report.SuccessfulClicks),
		fmt.Sprintf("Clicks with Tealium Activity: %d", report.TealiumActiveClicks),
		fmt.Sprintf("Tealium Coverage: %.1f%%", report.TealiumCoverage),
	)
	if report.Error != "" {
		b = append(b, "", "*** RUN ABORTED ***", "Error: "+report.Error)
	}
	b = append(b, "", textRule, "")

	return strings.Join(b, "\n")
}

func formatPageInfo(info *schemas.PageTagInfo) []string {
	b := []string{"Tag Management Systems:"}
	if info == nil {
		b = append(b, "  Not captured.")
		return b
	}

	if info.TealiumDetected {
		b = append(b, fmt.Sprintf("  ✓ Tealium iQ (Profile: %s, Account: %s, Version: %s, Tags Loaded: %d)",
			orNA(info.TealiumProfile), orNA(info.TealiumAccount), orNA(info.TealiumVersion), info.TagsLoaded))
	} else {
		b = append(b, "  - Tealium iQ: Not Detected")
	}
	if info.GTMDetected {
		b = append(b, fmt.Sprintf("  ✓ Google Tag Manager (Containers: %s)",
			orNA(strings.Join(info.GTMContainers, ", "))))
	} else {
		b = append(b, "  - Google Tag Manager: Not Detected")
	}

	b = append(b, "", "Vendors Detected on Page Load (Scripts/Objects):")
	if len(info.VendorsByCategory) == 0 {
		b = append(b, "  None")
	} else {
		for _, category := range sortedKeys(info.VendorsByCategory) {
			b = append(b, fmt.Sprintf("  - %s: %s", category, strings.Join(info.VendorsByCategory[category], ", ")))
		}
	}

	if len(info.OtherThirdParties) > 0 {
		b = append(b, "", "Other Third Parties Contacted During Load:")
		for _, domain := range info.OtherThirdParties {
			b = append(b, "  - "+domain)
		}
	}
	return b
}

func formatLoadEvents(events []schemas.TealiumEvent) []string {
	b := []string{"", fmt.Sprintf("Tealium Events Captured During Load (%d):", len(events))}
	if len(events) == 0 {
		b = append(b, "  None captured.")
		return b
	}
	for _, e := range events {
		b = append(b, "  - "+eventLine(e))
	}
	return b
}

func formatResult(res *schemas.ActionResult) []string {
	b := []string{"", fmt.Sprintf("▶ Action %d: %s", res.ActionID, res.Description)}

	if res.Success {
		b = append(b, "  Status: Success")
	} else {
		b = append(b, "  Status: Failure")
	}
	b = append(b, "  Selector: "+res.Selector)
	if res.Error != nil && *res.Error != "" {
		b = append(b, "  Error: "+*res.Error)
	}

	// Correlation data is meaningless for a click that never landed.
	if !res.Success {
		return b
	}

	b = append(b, fmt.Sprintf("  Tealium Events Triggered: %d", len(res.TealiumEvents)))
	for _, e := range res.TealiumEvents {
		b = append(b, "    - "+eventLine(e))
	}

	b = append(b, fmt.Sprintf("  Network Requests to Vendors After Interaction: %d", len(res.VendorsInNetwork)))
	for _, vendor := range sortedKeys(res.VendorsInNetwork) {
		b = append(b, fmt.Sprintf("    - %s (%d reqs)", vendor, len(res.VendorsInNetwork[vendor])))
	}
	return b
}

// eventLine renders one tag-manager event as its type plus the most
// descriptive payload field available.
func eventLine(e schemas.TealiumEvent) string {
	if label := eventLabel(e.Data); label != "" {
		return fmt.Sprintf("%s (%s)", e.Type, label)
	}
	return e.Type
}

// eventLabel pulls a display name from an event payload, trying the keys
// the tag manager populates in practice.
func eventLabel(data map[string]interface{}) string {
	for _, key := range []string{"event_name", "event_type", "event", "link_id"} {
		if v, ok := data[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
