// internal/browser/session.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

// Session drives one exclusive page (a tab) over CDP and implements
// schemas.BrowserSession. Blocking calls are bounded by the caller's context
// combined with the session lifetime.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.BrowserSession = (*Session)(nil)

func newSession(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg config.BrowserConfig,
	logger *zap.Logger,
	onClose func(),
) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", sessionID)),
		cfg:     cfg,
		onClose: onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// runActions executes chromedp actions bounded by both the session lifetime
// (s.ctx, which carries the CDP target) and the caller's context.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

// Navigate loads the URL, waits for the document to become ready, and then
// holds for the configured post-load settle so late tag-manager bootstraps
// are in place before anything is measured.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))

	tasks := chromedp.Tasks{}
	if s.cfg.DisableCache {
		tasks = append(tasks, network.SetCacheDisabled(true))
	}
	tasks = append(tasks,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if s.cfg.PostLoadWait > 0 {
		tasks = append(tasks, chromedp.Sleep(s.cfg.PostLoadWait))
	}

	navCtx := ctx
	if s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout+s.cfg.PostLoadWait)
		defer cancel()
	}

	if err := s.runActions(navCtx, tasks...); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Click waits for the first match to become visible, then dispatches a real
// input click on it.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.runActions(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Evaluate runs a script and discards its result.
func (s *Session) Evaluate(ctx context.Context, script string) error {
	return s.runActions(ctx, chromedp.Evaluate(script, nil))
}

// EvaluateInto runs a script and unmarshals its JSON result into out.
func (s *Session) EvaluateInto(ctx context.Context, script string, out interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(script, out))
}

// InjectOnNewDocument registers a script that runs before any page script on
// every navigation of this session.
func (s *Session) InjectOnNewDocument(ctx context.Context, script string) error {
	return s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		if err != nil {
			return fmt.Errorf("register persistent script: %w", err)
		}
		return nil
	}))
}

// InjectTracking installs the tag-manager monitor and the vendor-hook
// tracker as persistent scripts. Call before Navigate: the hooks must wrap
// the SDK entry points before the page's own scripts call them.
func (s *Session) InjectTracking(ctx context.Context) error {
	if err := s.InjectOnNewDocument(ctx, TealiumMonitorScript()); err != nil {
		return fmt.Errorf("inject tag manager monitor: %w", err)
	}
	if err := s.InjectOnNewDocument(ctx, GeneralTrackerScript()); err != nil {
		return fmt.Errorf("inject vendor tracker: %w", err)
	}
	return nil
}

// ClearTracking resets the monitors' capture arrays.
func (s *Session) ClearTracking(ctx context.Context) error {
	if err := s.Evaluate(ctx, ClearTrackingScript()); err != nil {
		return fmt.Errorf("clear tracking buffers: %w", err)
	}
	return nil
}

// Page events arrive with ISO-8601 timestamps, which unmarshal directly into
// time.Time. These mirror the JSON shapes the injected monitors produce.
type pageTealiumEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type pageVendorCall struct {
	Type      string        `json:"type"`
	Function  string        `json:"function"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

type pageDataLayerPush struct {
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type drainPayload struct {
	Tealium        []pageTealiumEvent  `json:"tealium"`
	AnalyticsCalls []pageVendorCall    `json:"analytics_calls"`
	DataLayer      []pageDataLayerPush `json:"data_layer"`
}

// DrainTracking atomically returns and clears everything the monitors
// captured since the last clear or drain.
func (s *Session) DrainTracking(ctx context.Context) (*schemas.TrackingCapture, error) {
	var payload drainPayload
	if err := s.EvaluateInto(ctx, drainTrackingScript, &payload); err != nil {
		return nil, fmt.Errorf("drain tracking buffers: %w", err)
	}
	return payload.toCapture(), nil
}

func (p drainPayload) toCapture() *schemas.TrackingCapture {
	capture := &schemas.TrackingCapture{}
	for _, ev := range p.Tealium {
		capture.TealiumEvents = append(capture.TealiumEvents, schemas.TealiumEvent{
			Type:       ev.Type,
			Data:       ev.Data,
			CapturedAt: ev.Timestamp,
		})
	}
	for _, call := range p.AnalyticsCalls {
		capture.VendorCalls = append(capture.VendorCalls, schemas.VendorCall{
			Vendor:     call.Type,
			Function:   call.Function,
			Args:       call.Args,
			CapturedAt: call.Timestamp,
		})
	}
	for _, push := range p.DataLayer {
		capture.VendorCalls = append(capture.VendorCalls, schemas.VendorCall{
			Function:   "dataLayer.push",
			Args:       []interface{}{push.Data},
			CapturedAt: push.Timestamp,
		})
	}
	return capture
}

// TealiumEventCount reports the number of buffered tag-manager events
// without draining them. Cheap enough to poll.
func (s *Session) TealiumEventCount(ctx context.Context) (int, error) {
	var count int
	if err := s.EvaluateInto(ctx, tealiumEventCountScript, &count); err != nil {
		return 0, fmt.Errorf("count tag manager events: %w", err)
	}
	return count, nil
}

// tagDetection mirrors the detection script's result shape.
type tagDetection struct {
	GlobalObjects []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"global_objects"`
	ScriptSources []string `json:"script_sources"`
	Tealium       struct {
		Detected   bool   `json:"detected"`
		Version    string `json:"version"`
		Profile    string `json:"profile"`
		Account    string `json:"account"`
		TagsLoaded int    `json:"tags_loaded"`
	} `json:"tealium"`
	GTM struct {
		Detected   bool     `json:"detected"`
		Containers []string `json:"containers"`
	} `json:"gtm"`
}

// DetectTags evaluates the post-load detection script. Vendor classification
// of the detected objects and script sources is the caller's job.
func (s *Session) DetectTags(ctx context.Context) (*schemas.PageTagInfo, error) {
	var det tagDetection
	if err := s.EvaluateInto(ctx, TagDetectionScript(), &det); err != nil {
		return nil, fmt.Errorf("run tag detection: %w", err)
	}
	return det.toPageTagInfo(), nil
}

func (d tagDetection) toPageTagInfo() *schemas.PageTagInfo {
	info := &schemas.PageTagInfo{
		TealiumDetected: d.Tealium.Detected,
		TealiumAccount:  d.Tealium.Account,
		TealiumProfile:  d.Tealium.Profile,
		TealiumVersion:  d.Tealium.Version,
		TagsLoaded:      d.Tealium.TagsLoaded,
		GTMDetected:     d.GTM.Detected,
		GTMContainers:   d.GTM.Containers,
		ScriptSources:   d.ScriptSources,
	}
	for _, obj := range d.GlobalObjects {
		info.GlobalObjects = append(info.GlobalObjects, obj.Path)
	}
	return info
}

// Screenshot captures the current viewport as JPEG bytes.
func (s *Session) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// runProbe clears stale tags, then runs the probe with a fresh id prefix so
// two resolutions of the same document can never alias. Probes stay valid
// until the next query on this session.
func (s *Session) runProbe(ctx context.Context, collector string) ([]schemas.ElementProbe, error) {
	if err := s.Evaluate(ctx, clearProbeTagsScript); err != nil {
		return nil, fmt.Errorf("clear stale probe tags: %w", err)
	}

	prefix := uuid.NewString()[:8]
	var probes []schemas.ElementProbe
	if err := s.EvaluateInto(ctx, buildProbeScript(collector, prefix), &probes); err != nil {
		return nil, err
	}
	return probes, nil
}

// QueryCSS probes all elements matching a CSS selector.
func (s *Session) QueryCSS(ctx context.Context, selector string) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, cssCollector(selector))
}

// QueryScopedCSS probes elements matching selector inside any element
// matching containerSelector.
func (s *Session) QueryScopedCSS(ctx context.Context, containerSelector, selector string) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, scopedCSSCollector(containerSelector, selector))
}

// QueryText probes elements whose visible text contains text,
// case-insensitively.
func (s *Session) QueryText(ctx context.Context, text string, interactiveOnly bool) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, textCollector(text, interactiveOnly))
}

// QueryRole probes elements matching an ARIA role and accessible name.
func (s *Session) QueryRole(ctx context.Context, role, name string) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, roleCollector(role, name))
}

// QueryHref probes anchors whose normalized href contains the pattern.
func (s *Session) QueryHref(ctx context.Context, pattern string) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, hrefCollector(pattern))
}

// QueryXPath probes all elements matching an XPath expression.
func (s *Session) QueryXPath(ctx context.Context, expression string) ([]schemas.ElementProbe, error) {
	return s.runProbe(ctx, xpathCollector(expression))
}

// ScrollIntoView centers the first match in the viewport.
func (s *Session) ScrollIntoView(ctx context.Context, selector string) error {
	var found bool
	if err := s.EvaluateInto(ctx, scrollIntoViewScript(selector), &found); err != nil {
		return fmt.Errorf("scroll %q into view: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("scroll into view: no element matches %q", selector)
	}
	return nil
}

// IsCovered hit-tests the center point of the element matching the selector.
func (s *Session) IsCovered(ctx context.Context, selector string) (bool, error) {
	var result struct {
		Found   bool `json:"found"`
		Covered bool `json:"covered"`
	}
	if err := s.EvaluateInto(ctx, isCoveredScript(selector), &result); err != nil {
		return false, fmt.Errorf("hit-test %q: %w", selector, err)
	}
	if !result.Found {
		return false, fmt.Errorf("hit-test %q: element not found", selector)
	}
	return result.Covered, nil
}

// ListenNetwork attaches a request listener. chromedp drops listeners whose
// context is done, so canceling the derived context is the detach.
func (s *Session) ListenNetwork(handler func(schemas.NetworkRequest)) (detach func()) {
	listenCtx, cancel := context.WithCancel(s.ctx)

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}

		req := schemas.NetworkRequest{
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			ResourceType: string(e.Type),
			Timestamp:    time.Now(),
		}
		if e.Request.HasPostData && len(e.Request.PostDataEntries) > 0 {
			var sb strings.Builder
			for _, entry := range e.Request.PostDataEntries {
				sb.WriteString(entry.Bytes)
			}
			// Entries arrive base64-encoded; fall back to the raw text if
			// an agent sent them decoded.
			if decoded, err := base64.StdEncoding.DecodeString(sb.String()); err == nil {
				req.PostData = string(decoded)
			} else {
				req.PostData = sb.String()
			}
		}

		handler(req)
	})

	return cancel
}

// ListenConsole attaches a console listener. Arguments are rendered the way
// the console would show them, joined with single spaces.
func (s *Session) ListenConsole(handler func(schemas.ConsoleMessage)) (detach func()) {
	listenCtx, cancel := context.WithCancel(s.ctx)

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		e, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok {
			return
		}

		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			switch {
			case arg.Value != nil:
				var v interface{}
				if err := json.Unmarshal(arg.Value, &v); err == nil {
					parts = append(parts, fmt.Sprintf("%v", v))
				} else {
					parts = append(parts, string(arg.Value))
				}
			case arg.Description != "":
				parts = append(parts, arg.Description)
			default:
				parts = append(parts, "["+string(arg.Type)+"]")
			}
		}

		handler(schemas.ConsoleMessage{
			Kind:      string(e.Type),
			Text:      strings.Join(parts, " "),
			Timestamp: time.Now(),
		})
	})

	return cancel
}

// Alive reports whether the underlying target is still usable.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.isClosed && s.ctx.Err() == nil
}

// Close terminates the session. Canceling the session context closes the
// target and detaches every listener derived from it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
