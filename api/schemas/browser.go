package schemas

import (
	"context"
	"time"
)

// -- Browser Contracts --
//
// The analysis core drives a browser only through these interfaces. The
// chromedp implementation lives in internal/browser; tests substitute
// scripted fakes.

// ElementProbe describes one candidate element returned by a probe query.
// The session tags every candidate with a temporary data attribute so that
// later calls (scroll, click) can address it without re-running the query.
type ElementProbe struct {
	// TempID is the value of the temporary tagging attribute. Selector()
	// turns it into an addressable CSS selector.
	TempID string `json:"temp_id"`

	Tag        string `json:"tag"`
	Visible    bool   `json:"visible"`
	InViewport bool   `json:"in_viewport"`

	// DocumentIndex is the element's position in document order among the
	// candidates of the same query, used as the deterministic tie-break.
	DocumentIndex int `json:"document_index"`

	Text string `json:"text,omitempty"`
	Href string `json:"href,omitempty"`
}

// TempAttr is the attribute used to tag probed elements. The attribute is
// native to this tool and never collides with page markup.
const TempAttr = "data-webspark-el"

// Selector returns the CSS selector addressing this probe's element.
func (p ElementProbe) Selector() string {
	return "[" + TempAttr + `="` + p.TempID + `"]`
}

// NetworkRequest is the transport-agnostic record handed to network
// listeners for every outbound request the page issues.
type NetworkRequest struct {
	URL          string
	Method       string
	ResourceType string
	PostData     string
	Timestamp    time.Time
}

// ConsoleMessage is one console API call observed on the page.
type ConsoleMessage struct {
	Kind      string
	Text      string
	Timestamp time.Time
}

// TrackingCapture is everything the injected monitors recorded since the
// last drain: tag-manager events plus vendor SDK and data-layer activity.
type TrackingCapture struct {
	TealiumEvents []TealiumEvent
	VendorCalls   []VendorCall
}

// BrowserSession is the control surface of one exclusive page. All blocking
// calls honor their context's deadline; none blocks unboundedly.
type BrowserSession interface {
	// ID returns the session's unique identifier.
	ID() string

	// Navigate loads the URL and returns once the document has reached
	// DOMContentLoaded or the context expires.
	Navigate(ctx context.Context, url string) error

	// Click dispatches a click on the first element matching the selector.
	Click(ctx context.Context, selector string) error

	// Evaluate runs a script and discards its result.
	Evaluate(ctx context.Context, script string) error

	// EvaluateInto runs a script and unmarshals its JSON result into out.
	EvaluateInto(ctx context.Context, script string, out interface{}) error

	// InjectOnNewDocument installs a script that runs before any page
	// script on every navigation of this session.
	InjectOnNewDocument(ctx context.Context, script string) error

	// InjectTracking installs the tag-manager and vendor-hook monitors as
	// persistent scripts. Must be called before Navigate so the hooks are
	// in place ahead of the page's own scripts.
	InjectTracking(ctx context.Context) error

	// ClearTracking resets the monitors' capture arrays.
	ClearTracking(ctx context.Context) error

	// DrainTracking atomically returns and clears everything the monitors
	// captured since the last clear or drain.
	DrainTracking(ctx context.Context) (*TrackingCapture, error)

	// TealiumEventCount reports the number of captured tag-manager events
	// without draining them.
	TealiumEventCount(ctx context.Context) (int, error)

	// DetectTags evaluates the post-load detection script and returns the
	// page's tag-management summary. Vendor classification fields are left
	// for the caller to fill in.
	DetectTags(ctx context.Context) (*PageTagInfo, error)

	// Screenshot captures the current viewport as JPEG bytes at the given
	// quality (1-100).
	Screenshot(ctx context.Context, quality int) ([]byte, error)

	// QueryCSS probes all elements matching a CSS selector.
	QueryCSS(ctx context.Context, selector string) ([]ElementProbe, error)

	// QueryScopedCSS probes elements matching selector inside any element
	// matching containerSelector.
	QueryScopedCSS(ctx context.Context, containerSelector, selector string) ([]ElementProbe, error)

	// QueryText probes elements whose visible text equals or contains the
	// given text. With interactiveOnly set, candidates are filtered to
	// interactive elements (links, buttons, inputs, click handlers).
	QueryText(ctx context.Context, text string, interactiveOnly bool) ([]ElementProbe, error)

	// QueryRole probes elements matching an ARIA role and accessible name.
	QueryRole(ctx context.Context, role, name string) ([]ElementProbe, error)

	// QueryHref probes anchor elements whose normalized href contains the
	// given pattern. Normalization lowercases and strips scheme, query
	// string, fragment, and trailing slashes on both sides of the match.
	QueryHref(ctx context.Context, pattern string) ([]ElementProbe, error)

	// QueryXPath probes all elements matching an XPath expression.
	QueryXPath(ctx context.Context, expression string) ([]ElementProbe, error)

	// ScrollIntoView deterministically scrolls the first element matching
	// the selector to the viewport center.
	ScrollIntoView(ctx context.Context, selector string) error

	// IsCovered reports whether the center point of the element matching
	// the selector is obscured by another element.
	IsCovered(ctx context.Context, selector string) (bool, error)

	// ListenNetwork attaches a network-request listener and returns its
	// detach function. Listeners are per-window: attached when a
	// correlation window opens and detached when it closes.
	ListenNetwork(handler func(NetworkRequest)) (detach func())

	// ListenConsole attaches a console listener and returns its detach
	// function.
	ListenConsole(handler func(ConsoleMessage)) (detach func())

	// Alive reports whether the underlying browser target is still usable.
	// Once false the session never recovers; the run must abort.
	Alive() bool

	// Close releases the page and its listeners.
	Close(ctx context.Context) error
}

// SessionManager owns browser process lifecycle and hands out exclusive
// sessions. A session is owned by exactly one run at a time; concurrent
// runs each acquire their own.
type SessionManager interface {
	Acquire(ctx context.Context) (BrowserSession, error)
	Shutdown(ctx context.Context) error
}
