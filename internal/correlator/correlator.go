// Package correlator attributes tag-manager events and network beacons to
// the click that most plausibly caused them. A window opens right after a
// click returns and stays open for a fixed duration; everything the in-page
// monitors and the network listeners capture in that span belongs to that
// click. Attribution by time window is deliberately imprecise: a background
// timer firing mid-window gets attributed too. The tag layer under test is
// a black box that can only be observed from outside, so that imprecision
// is a documented limitation, not a bug.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/vendors"
)

// TrackingPage is the slice of a browser session the correlator needs.
type TrackingPage interface {
	ClearTracking(ctx context.Context) error
	DrainTracking(ctx context.Context) (*schemas.TrackingCapture, error)
	ListenNetwork(handler func(schemas.NetworkRequest)) (detach func())
}

// BeaconSource is a windowed secondary source of network records, fed by
// the loopback proxy tap. Cursor marks a position in the record stream;
// Since returns everything recorded after it.
type BeaconSource interface {
	Cursor() int
	Since(cursor int) []schemas.NetworkRequest
}

// Capture is everything attributed to one action's correlation window.
// Zero events is a valid outcome, not an error: a click that fires nothing
// is exactly the finding this tool exists to surface.
type Capture struct {
	Events    []schemas.TealiumEvent
	PageCalls []schemas.VendorCall
	Beacons   []schemas.NetworkBeacon
	Vendors   map[string][]string
}

// Correlator opens correlation windows against a page. At most one window
// is open per Correlator at any time; the sequential action loop guarantees
// that, and OpenWindow enforces it as a programming-error guard.
type Correlator struct {
	window        time.Duration
	poll          time.Duration
	captureBodies bool
	classifier    *vendors.Classifier
	tap           BeaconSource
	logger        *zap.Logger

	mu   sync.Mutex
	open bool
}

// New builds a Correlator. tap may be nil when the beacon proxy is
// disabled; the CDP listener is then the only network source.
func New(cfg config.AnalysisConfig, netCfg config.NetworkConfig, classifier *vendors.Classifier, tap BeaconSource, logger *zap.Logger) *Correlator {
	return &Correlator{
		window:        cfg.CorrelationWindow,
		poll:          cfg.PollInterval,
		captureBodies: netCfg.CaptureBodies,
		classifier:    classifier,
		tap:           tap,
		logger:        logger.Named("correlator"),
	}
}

// Window is one open correlation window. Close it exactly once.
type Window struct {
	c         *Correlator
	page      TrackingPage
	actionID  int
	deadline  time.Time
	tapCursor int
	detach    func()

	// requests is fed by the network listener goroutine; everything else
	// is touched only by the opening goroutine.
	reqMu    sync.Mutex
	requests []schemas.NetworkRequest

	events []schemas.TealiumEvent
	calls  []schemas.VendorCall
	closed bool
}

// OpenWindow clears the page's capture buffers, attaches the network
// listener, and snapshots the tap cursor. Call it immediately after a click
// returns, whether the click succeeded or failed: even a failed click may
// have fired side effects before dying.
func (c *Correlator) OpenWindow(ctx context.Context, page TrackingPage, actionID int) (*Window, error) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil, errors.New("correlation window already open")
	}
	c.open = true
	c.mu.Unlock()

	if err := page.ClearTracking(ctx); err != nil {
		c.release()
		return nil, fmt.Errorf("clear tracking buffers: %w", err)
	}

	w := &Window{
		c:        c,
		page:     page,
		actionID: actionID,
		events:   []schemas.TealiumEvent{},
		calls:    []schemas.VendorCall{},
	}
	w.detach = page.ListenNetwork(w.record)
	if c.tap != nil {
		w.tapCursor = c.tap.Cursor()
	}
	w.deadline = time.Now().Add(c.window)

	c.logger.Debug("Correlation window opened.",
		zap.Int("action_id", actionID), zap.Duration("window", c.window))
	return w, nil
}

func (c *Correlator) release() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (w *Window) record(req schemas.NetworkRequest) {
	w.reqMu.Lock()
	w.requests = append(w.requests, req)
	w.reqMu.Unlock()
}

// Close blocks until the window's fixed duration has elapsed, draining the
// page's capture buffers at the poll interval along the way, then detaches
// the listeners and returns everything attributed to the action. Periodic
// draining matters: a click that navigates wipes the in-page buffers, and
// events not drained before the wipe are lost.
//
// Context cancellation abandons the window; the partial capture is
// discarded and the context's error returned.
func (w *Window) Close(ctx context.Context) (*Capture, error) {
	if w.closed {
		return nil, errors.New("correlation window already closed")
	}

	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()
	ticker := time.NewTicker(w.c.poll)
	defer ticker.Stop()

	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			w.shut()
			return nil, ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		case <-timer.C:
			waiting = false
		}
	}

	// One last drain catches events fired between the final tick and the
	// deadline.
	w.drain(ctx)
	w.shut()

	capture := w.capture()
	w.c.logger.Debug("Correlation window closed.",
		zap.Int("action_id", w.actionID),
		zap.Int("events", len(capture.Events)),
		zap.Int("beacons", len(capture.Beacons)))
	return capture, nil
}

func (w *Window) shut() {
	w.detach()
	w.closed = true
	w.c.release()
}

// drain moves the page's captured events into the window. Errors are
// expected while the page is mid-navigation and cost nothing beyond the
// events that were already lost to the wipe.
func (w *Window) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, w.c.poll)
	capture, err := w.page.DrainTracking(drainCtx)
	cancel()
	if err != nil {
		w.c.logger.Debug("Tracking drain failed.",
			zap.Int("action_id", w.actionID), zap.Error(err))
		return
	}
	w.events = append(w.events, capture.TealiumEvents...)
	w.calls = append(w.calls, capture.VendorCalls...)
}

// capture merges the CDP-observed requests with the tap's window slice,
// deduplicates by URL (the CDP record wins; it knows the resource type),
// classifies vendors, and orders everything chronologically.
func (w *Window) capture() *Capture {
	w.reqMu.Lock()
	merged := make([]schemas.NetworkRequest, len(w.requests))
	copy(merged, w.requests)
	w.reqMu.Unlock()

	if w.c.tap != nil {
		seen := make(map[string]struct{}, len(merged))
		for _, r := range merged {
			seen[r.URL] = struct{}{}
		}
		for _, r := range w.c.tap.Since(w.tapCursor) {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	beacons := make([]schemas.NetworkBeacon, 0, len(merged))
	urls := make([]string, 0, len(merged))
	for _, r := range merged {
		urls = append(urls, r.URL)
		beacon := schemas.NetworkBeacon{
			URL:          r.URL,
			Method:       r.Method,
			ResourceType: r.ResourceType,
			CapturedAt:   r.Timestamp,
		}
		if w.c.captureBodies {
			beacon.Body = r.PostData
		}
		if vendor, ok := w.c.classifier.Match(r.URL); ok {
			beacon.Vendor = vendor.Name
		}
		beacons = append(beacons, beacon)
	}

	return &Capture{
		Events:    w.events,
		PageCalls: w.calls,
		Beacons:   beacons,
		Vendors:   w.c.classifier.FindInRequests(urls),
	}
}
