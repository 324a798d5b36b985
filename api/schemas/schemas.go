// Package schemas defines the shared data model for macro recording,
// selector resolution, and analysis reporting. These types are the wire
// format: macros persisted to disk, reports handed to exporters and the
// HTTP API, and progress frames streamed to clients.
package schemas

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidBundle is returned when a locator bundle carries no usable
// descriptor. Such a bundle can never be resolved and is rejected at
// recording time.
var ErrInvalidBundle = errors.New("locator bundle has no usable descriptor")

// -- Locator Schemas --

// Coordinates is the viewport-relative position of an element at capture
// time. It is kept purely as a record; coordinates are meaningless once the
// DOM reflows and are never used to re-click.
type Coordinates struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// LocatorBundle is the set of alternative descriptors captured for one
// recorded element. Individual fields may be empty; Validate enforces that
// at least one resolvable descriptor is present.
type LocatorBundle struct {
	CSSSelector    string       `json:"css_selector,omitempty"`
	XPath          string       `json:"xpath,omitempty"`
	Text           string       `json:"text,omitempty"`
	Role           string       `json:"role,omitempty"`
	AccessibleName string       `json:"accessible_name,omitempty"`
	HrefPattern    string       `json:"href_pattern,omitempty"`
	Coordinates    *Coordinates `json:"coordinates,omitempty"`
}

// Validate checks the bundle invariant: at least one of the CSS selector,
// text, role, or XPath descriptors must be non-empty. A bundle that fails
// this check is rejected at recording time, not at resolution time.
func (b *LocatorBundle) Validate() error {
	if b.CSSSelector == "" && b.Text == "" && b.Role == "" && b.XPath == "" {
		return ErrInvalidBundle
	}
	return nil
}

// PrimarySelector returns the most specific descriptor for display purposes,
// e.g. the "selector" column of a report row.
func (b *LocatorBundle) PrimarySelector() string {
	switch {
	case b.CSSSelector != "":
		return b.CSSSelector
	case b.XPath != "":
		return b.XPath
	case b.Text != "":
		return fmt.Sprintf("text=%q", b.Text)
	case b.Role != "":
		if b.AccessibleName != "" {
			return fmt.Sprintf("role=%s[name=%q]", b.Role, b.AccessibleName)
		}
		return "role=" + b.Role
	default:
		return ""
	}
}

// -- Macro Schemas --

// ActionType identifies the kind of a recorded step. Only clicks participate
// in resolution and correlation; the other kinds are recorded for replay
// context but not analyzed.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionInput    ActionType = "type"
	ActionNavigate ActionType = "navigate"
	ActionScroll   ActionType = "scroll"
)

// Action is one recorded step of a macro. Actions are append-only: they are
// created during a recording session, never mutated afterwards, and removed
// only by explicit id before the macro is persisted.
type Action struct {
	// ID is the 1-based sequence number in recording order.
	ID int `json:"id"`

	Type    ActionType    `json:"type"`
	Locator LocatorBundle `json:"locator_bundle"`

	// Description is a human-readable label derived at recording time.
	Description string `json:"description,omitempty"`

	// TimestampOffsetMS is the time since the recording session started.
	TimestampOffsetMS int64 `json:"timestamp_offset_ms"`

	// Value holds typed text for input actions and the destination URL for
	// navigation actions.
	Value string `json:"value,omitempty"`
}

// Macro is a named, ordered recording of user interactions against a
// specific starting URL. It is owned by the recording subsystem and is a
// read-only input to the analysis core.
type Macro struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Actions   []Action  `json:"actions"`
}

// ClickActions returns the subset of actions that participate in analysis,
// preserving recording order.
func (m *Macro) ClickActions() []Action {
	clicks := make([]Action, 0, len(m.Actions))
	for _, a := range m.Actions {
		if a.Type == ActionClick {
			clicks = append(clicks, a)
		}
	}
	return clicks
}

// RemoveAction deletes the action with the given id. It reports whether an
// action was removed. Remaining actions keep their original ids; removal is
// only legal before the macro is persisted.
func (m *Macro) RemoveAction(id int) bool {
	for i, a := range m.Actions {
		if a.ID == id {
			m.Actions = append(m.Actions[:i], m.Actions[i+1:]...)
			return true
		}
	}
	return false
}

// NextActionID returns the id the next recorded action will receive.
func (m *Macro) NextActionID() int {
	if len(m.Actions) == 0 {
		return 1
	}
	return m.Actions[len(m.Actions)-1].ID + 1
}

// EncodeMacro serializes a macro for storage.
func EncodeMacro(m *Macro) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// DecodeMacro deserializes a stored macro and validates every locator
// bundle of its click actions. A macro that was persisted through the
// recorder always passes; hand-edited files may not.
func DecodeMacro(data []byte) (*Macro, error) {
	var m Macro
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding macro: %w", err)
	}
	for _, a := range m.Actions {
		if a.Type != ActionClick {
			continue
		}
		if err := a.Locator.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", a.ID, err)
		}
	}
	return &m, nil
}

// -- Resolution Schemas --

// SelectorAttempt records one try of one resolution strategy. Attempts are
// ephemeral: they live inside a single action's resolution and surface only
// in failure reasons and progress payloads.
type SelectorAttempt struct {
	StrategyName string `json:"strategy_name"`
	SelectorUsed string `json:"selector_used"`
	Found        bool   `json:"found"`
	Visible      bool   `json:"visible"`
}

// -- Correlation Schemas --

// TealiumEvent is one tag-manager event observed on the page's event bus
// during a correlation window, captured verbatim with its payload.
type TealiumEvent struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	CapturedAt time.Time              `json:"captured_at"`
}

// NetworkBeacon is one outbound request observed during a correlation
// window. Vendor is empty when the URL matched no entry of the vendor table.
type NetworkBeacon struct {
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	ResourceType string    `json:"resource_type,omitempty"`
	Vendor       string    `json:"vendor,omitempty"`
	Body         string    `json:"body,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// VendorCall is one vendor SDK invocation or data-layer push observed by
// the in-page hooks. Vendor is empty for data-layer pushes.
type VendorCall struct {
	Vendor     string        `json:"vendor,omitempty"`
	Function   string        `json:"function"`
	Args       []interface{} `json:"args,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// -- Result Schemas --

// ClickStatus is the outcome of one click attempt.
type ClickStatus string

const (
	ClickSuccess ClickStatus = "success"
	ClickFailed  ClickStatus = "failed"
)

// ActionResult is the immutable outcome of one analyzed action. It is
// created by the orchestrator once the action's correlation window closes
// and never modified afterwards.
type ActionResult struct {
	ActionID    int    `json:"action_id"`
	Description string `json:"description"`
	Selector    string `json:"selector"`
	Success     bool   `json:"success"`

	// Error is nil on success and carries a human-readable reason on
	// failure. The pointer keeps the JSON field an explicit null rather
	// than an empty string.
	Error *string `json:"error"`

	TealiumEvents    []TealiumEvent      `json:"tealium_events"`
	VendorsInNetwork map[string][]string `json:"vendors_in_network"`
	Beacons          []NetworkBeacon     `json:"network_beacons,omitempty"`
	PageCalls        []VendorCall        `json:"page_calls,omitempty"`
}

// ClickStatus reports the outcome as an enum value.
func (r *ActionResult) ClickStatus() ClickStatus {
	if r.Success {
		return ClickSuccess
	}
	return ClickFailed
}

// TealiumActive reports whether at least one tag-manager event was
// attributed to this action.
func (r *ActionResult) TealiumActive() bool {
	return len(r.TealiumEvents) > 0
}

// FailedResult builds the result for an action whose resolution or
// execution failed. Failed actions are reported, never dropped.
func FailedResult(a Action, reason string) ActionResult {
	return ActionResult{
		ActionID:         a.ID,
		Description:      a.Description,
		Selector:         a.Locator.PrimarySelector(),
		Success:          false,
		Error:            &reason,
		TealiumEvents:    []TealiumEvent{},
		VendorsInNetwork: map[string][]string{},
	}
}

// -- Report Schemas --

// PageTagInfo summarizes the tag-management stack detected on the page
// after the initial load, before any action runs.
type PageTagInfo struct {
	TealiumDetected bool     `json:"tealium_detected"`
	TealiumAccount  string   `json:"tealium_account,omitempty"`
	TealiumProfile  string   `json:"tealium_profile,omitempty"`
	TealiumVersion  string   `json:"tealium_version,omitempty"`
	TagsLoaded      int      `json:"tags_loaded,omitempty"`
	GTMDetected     bool     `json:"gtm_detected"`
	GTMContainers   []string `json:"gtm_containers,omitempty"`
	ScriptSources   []string `json:"script_sources,omitempty"`

	// GlobalObjects holds the window object paths of detected vendor SDKs,
	// e.g. "fbq" or "adobe.target".
	GlobalObjects []string `json:"global_objects,omitempty"`

	// VendorsByCategory groups the vendors identified from script sources,
	// global objects, and tag-manager flags, keyed by category.
	VendorsByCategory map[string][]string `json:"vendors_by_category,omitempty"`

	// OtherThirdParties lists registrable domains contacted during load that
	// matched no vendor signature and are not the page's own site.
	OtherThirdParties []string `json:"other_third_parties,omitempty"`
}

// AnalysisReport is the terminal artifact of one run. SelectorResults
// preserve macro order: index i holds the result of the i-th analyzed
// action. Error is set only when the run aborted on a session failure; the
// results recorded before the failure are still present.
type AnalysisReport struct {
	RunID               string         `json:"run_id,omitempty"`
	MacroName           string         `json:"macro_name"`
	MacroURL            string         `json:"macro_url"`
	Timestamp           time.Time      `json:"timestamp"`
	TotalSelectors      int            `json:"total_selectors"`
	SuccessfulClicks    int            `json:"successful_clicks"`
	TealiumActiveClicks int            `json:"tealium_active_clicks"`
	TealiumCoverage     float64        `json:"tealium_coverage"`
	SelectorResults     []ActionResult `json:"selector_results"`
	PageInfo            *PageTagInfo   `json:"page_info,omitempty"`

	// LoadEvents holds the tag-manager events fired between page load and
	// the first action, typically the page-view call.
	LoadEvents []TealiumEvent `json:"load_events,omitempty"`

	Error string `json:"error,omitempty"`
}

// Finalize computes the aggregate counters from SelectorResults. Coverage is
// the share of successful clicks that produced at least one tag-manager
// event, as a percentage; it is defined as zero when nothing clicked
// successfully, so a fully failed run reports 0 rather than dividing by
// zero.
func (r *AnalysisReport) Finalize() {
	r.TotalSelectors = len(r.SelectorResults)
	r.SuccessfulClicks = 0
	r.TealiumActiveClicks = 0
	for i := range r.SelectorResults {
		res := &r.SelectorResults[i]
		if !res.Success {
			continue
		}
		r.SuccessfulClicks++
		if res.TealiumActive() {
			r.TealiumActiveClicks++
		}
	}
	if r.SuccessfulClicks == 0 {
		r.TealiumCoverage = 0
		return
	}
	r.TealiumCoverage = 100 * float64(r.TealiumActiveClicks) / float64(r.SuccessfulClicks)
}

// EncodeReport serializes a report for storage or transport.
func EncodeReport(r *AnalysisReport) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// DecodeReport deserializes a stored report.
func DecodeReport(data []byte) (*AnalysisReport, error) {
	var r AnalysisReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}

// -- Progress Schemas --

// Progress statuses emitted by the orchestrator. The stream is an
// observability side channel; consumers must not derive control flow from it.
const (
	StatusStarting          = "starting"
	StatusInitializing      = "initializing"
	StatusLoading           = "loading"
	StatusDismissingOverlay = "dismissing_overlays"
	StatusActionStarted     = "action_started"
	StatusResolving         = "resolving"
	StatusExecuting         = "executing"
	StatusCorrelating       = "correlating"
	StatusActionCompleted   = "action_completed"
	StatusAggregating       = "aggregating"
	StatusComplete          = "complete"
	StatusError             = "error"
)

// ProgressUpdate is one frame of the progress stream.
type ProgressUpdate struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ProgressSink consumes progress frames. Publish must not block the
// caller; implementations drop frames rather than stall a run.
type ProgressSink interface {
	Publish(ProgressUpdate)
}

// NopSink discards all progress frames.
type NopSink struct{}

// Publish implements ProgressSink.
func (NopSink) Publish(ProgressUpdate) {}
