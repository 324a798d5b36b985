// Package orchestrator drives one analysis run end to end: acquire a
// browser session, load the macro's page, and walk its click actions
// through resolution, execution, and correlation, producing the final
// report. An orchestrator is built per run and is single-use; Complete and
// Error are terminal states.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/browser"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/correlator"
	"github.com/slotheather55/webspark/internal/executor"
	"github.com/slotheather55/webspark/internal/resolver"
	"github.com/slotheather55/webspark/internal/vendors"
)

// ErrSessionLost reports that the browser session died mid-run. The report
// returned alongside it carries every result recorded before the loss.
var ErrSessionLost = errors.New("browser session lost")

// sessionCloseTimeout bounds the session teardown so a hung browser cannot
// stall the run's return.
const sessionCloseTimeout = 5 * time.Second

// State is one phase of the run lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateInitializing       State = "initializing"
	StateLoading            State = "loading"
	StateDismissingOverlays State = "dismissing_overlays"
	StateResolving          State = "resolving"
	StateExecuting          State = "executing"
	StateCorrelating        State = "correlating"
	StateAggregating        State = "aggregating"
	StateComplete           State = "complete"
	StateError              State = "error"
)

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Orchestrator runs one macro analysis. Components are built once from the
// configuration; the session is acquired inside Run and released before it
// returns.
type Orchestrator struct {
	cfg        *config.Config
	sessions   schemas.SessionManager
	resolver   *resolver.Resolver
	executor   *executor.Executor
	correlator *correlator.Correlator
	classifier *vendors.Classifier
	sink       schemas.ProgressSink
	logger     *zap.Logger

	mu          sync.Mutex
	state       State
	transitions []Transition
}

// New builds an Orchestrator. tap may be nil when the beacon proxy is
// disabled; sink may be nil when nobody watches progress.
func New(cfg *config.Config, sessions schemas.SessionManager, classifier *vendors.Classifier, tap correlator.BeaconSource, sink schemas.ProgressSink, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session manager cannot be nil")
	}
	if classifier == nil {
		return nil, errors.New("vendor classifier cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if sink == nil {
		sink = schemas.NopSink{}
	}

	return &Orchestrator{
		cfg:        cfg,
		sessions:   sessions,
		resolver:   resolver.New(cfg.Analysis, logger),
		executor:   executor.New(cfg.Analysis, logger),
		correlator: correlator.New(cfg.Analysis, cfg.Network, classifier, tap, logger),
		classifier: classifier,
		sink:       sink,
		logger:     logger.Named("orchestrator"),
		state:      StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Transitions returns the ordered transition log recorded so far.
func (o *Orchestrator) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Transition, len(o.transitions))
	copy(out, o.transitions)
	return out
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.transitions = append(o.transitions, Transition{From: from, To: to, At: time.Now()})
	o.mu.Unlock()
	o.logger.Debug("State transition.",
		zap.String("from", string(from)), zap.String("to", string(to)))
}

func (o *Orchestrator) publish(status, message string, payload map[string]interface{}) {
	o.sink.Publish(schemas.ProgressUpdate{Status: status, Message: message, Payload: payload})
}

// Run analyzes the macro and returns its report. The report is never nil
// once the run has started: on session loss or cancellation it carries the
// results recorded up to that point plus an error marker, alongside the
// returned error. Per-action failures are recorded in the results and do
// not surface here.
func (o *Orchestrator) Run(ctx context.Context, macro *schemas.Macro) (*schemas.AnalysisReport, error) {
	if macro == nil {
		return nil, errors.New("macro cannot be nil")
	}
	o.mu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is single-use and already reached %s", state)
	}
	o.state = StateInitializing
	o.transitions = append(o.transitions, Transition{From: StateIdle, To: StateInitializing, At: time.Now()})
	o.mu.Unlock()

	report := &schemas.AnalysisReport{
		RunID:           uuid.NewString(),
		MacroName:       macro.Name,
		MacroURL:        macro.URL,
		Timestamp:       time.Now().UTC(),
		SelectorResults: []schemas.ActionResult{},
	}
	o.logger.Info("Run starting.",
		zap.String("run_id", report.RunID),
		zap.String("macro", macro.Name),
		zap.Int("actions", len(macro.Actions)))
	o.publish(schemas.StatusStarting, fmt.Sprintf("Analyzing macro %q.", macro.Name),
		map[string]interface{}{"run_id": report.RunID, "actions": len(macro.Actions)})

	o.publish(schemas.StatusInitializing, "Acquiring browser session.", nil)
	sess, err := o.sessions.Acquire(ctx)
	if err != nil {
		return o.fail(report, fmt.Errorf("acquire session: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		if err := sess.Close(closeCtx); err != nil {
			o.logger.Debug("Session close failed.", zap.Error(err))
		}
		cancel()
	}()

	// Monitors must be installed before navigation so the page's own
	// scripts never run ahead of them.
	if err := sess.InjectTracking(ctx); err != nil {
		return o.fail(report, o.asSessionLoss(sess, fmt.Errorf("inject tracking monitors: %w", err)))
	}

	o.transition(StateLoading)
	o.publish(schemas.StatusLoading, fmt.Sprintf("Loading %s.", macro.URL), nil)
	loadURLs := o.loadPage(ctx, sess, macro.URL)
	if err := ctx.Err(); err != nil {
		return o.fail(report, err)
	}
	if !sess.Alive() {
		return o.fail(report, fmt.Errorf("%w: during page load", ErrSessionLost))
	}
	o.collectPageInfo(ctx, sess, macro.URL, loadURLs, report)

	o.transition(StateDismissingOverlays)
	o.publish(schemas.StatusDismissingOverlay, "Dismissing overlays.", nil)
	dismissed := browser.DismissOverlays(ctx, sess, o.cfg.Analysis.OverlaySelectors, o.logger)
	if dismissed > 0 {
		o.logger.Info("Dismissed overlays before replay.", zap.Int("count", dismissed))
	}

	for _, action := range macro.Actions {
		// Cancellation is honored between actions only; an in-flight
		// action finishes or times out on its own budget.
		if err := ctx.Err(); err != nil {
			return o.fail(report, err)
		}
		if !sess.Alive() {
			return o.fail(report, fmt.Errorf("%w: before action %d", ErrSessionLost, action.ID))
		}

		if action.Type != schemas.ActionClick {
			o.publish(schemas.StatusActionStarted,
				fmt.Sprintf("Skipping %s action %d.", action.Type, action.ID),
				map[string]interface{}{"action_id": action.ID, "type": string(action.Type), "skipped": true})
			continue
		}

		result, err := o.analyzeAction(ctx, sess, action)
		if err != nil {
			return o.fail(report, err)
		}
		report.SelectorResults = append(report.SelectorResults, *result)
		o.publish(schemas.StatusActionCompleted,
			fmt.Sprintf("Action %d %s.", action.ID, result.ClickStatus()),
			map[string]interface{}{
				"action_id": action.ID,
				"success":   result.Success,
				"events":    len(result.TealiumEvents),
			})
	}

	o.transition(StateAggregating)
	o.publish(schemas.StatusAggregating, "Aggregating results.", nil)
	report.Finalize()

	o.transition(StateComplete)
	o.publish(schemas.StatusComplete,
		fmt.Sprintf("Analysis complete: %d/%d clicks succeeded.", report.SuccessfulClicks, report.TotalSelectors),
		map[string]interface{}{
			"successful_clicks": report.SuccessfulClicks,
			"total_selectors":   report.TotalSelectors,
			"tealium_coverage":  report.TealiumCoverage,
		})
	o.logger.Info("Run complete.",
		zap.String("run_id", report.RunID),
		zap.Int("total", report.TotalSelectors),
		zap.Int("succeeded", report.SuccessfulClicks),
		zap.Float64("coverage", report.TealiumCoverage))
	return report, nil
}

// analyzeAction walks one click action through Resolving, Executing, and
// Correlating. The returned error is run-fatal (session loss or
// cancellation); per-action failures come back inside the result.
func (o *Orchestrator) analyzeAction(ctx context.Context, sess schemas.BrowserSession, action schemas.Action) (*schemas.ActionResult, error) {
	o.publish(schemas.StatusActionStarted, fmt.Sprintf("Action %d: %s.", action.ID, action.Description),
		map[string]interface{}{"action_id": action.ID, "selector": action.Locator.PrimarySelector()})

	o.transition(StateResolving)
	o.publish(schemas.StatusResolving, fmt.Sprintf("Resolving element for action %d.", action.ID),
		map[string]interface{}{"action_id": action.ID})
	resolved, err := o.resolver.Resolve(ctx, action.Locator, sess)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !sess.Alive() {
			return nil, fmt.Errorf("%w: resolving action %d", ErrSessionLost, action.ID)
		}
		// Resolution failure short-circuits the action: no click, no
		// correlation window.
		o.logger.Warn("Action element not resolved.",
			zap.Int("action_id", action.ID), zap.Error(err))
		result := schemas.FailedResult(action, err.Error())
		return &result, nil
	}

	o.transition(StateExecuting)
	o.publish(schemas.StatusExecuting, fmt.Sprintf("Clicking element for action %d.", action.ID),
		map[string]interface{}{"action_id": action.ID, "strategy": resolved.Strategy})
	execErr := o.executor.ExecuteClick(ctx, resolved, sess)
	if execErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The window opens whether or not the click succeeded: a click that
	// died halfway may still have fired observable side effects.
	o.transition(StateCorrelating)
	o.publish(schemas.StatusCorrelating, fmt.Sprintf("Correlating events for action %d.", action.ID),
		map[string]interface{}{"action_id": action.ID})
	window, err := o.correlator.OpenWindow(ctx, sess, action.ID)
	if err != nil {
		if !sess.Alive() {
			return nil, fmt.Errorf("%w: opening window for action %d", ErrSessionLost, action.ID)
		}
		o.logger.Warn("Correlation window failed to open.",
			zap.Int("action_id", action.ID), zap.Error(err))
		result := o.buildResult(action, execErr, &correlator.Capture{
			Events:  []schemas.TealiumEvent{},
			Vendors: map[string][]string{},
		})
		return result, nil
	}
	capture, err := window.Close(ctx)
	if err != nil {
		return nil, err
	}

	return o.buildResult(action, execErr, capture), nil
}

// buildResult materializes the action's outcome. Success reflects the
// click; the capture is attached either way.
func (o *Orchestrator) buildResult(action schemas.Action, execErr error, capture *correlator.Capture) *schemas.ActionResult {
	result := &schemas.ActionResult{
		ActionID:         action.ID,
		Description:      action.Description,
		Selector:         action.Locator.PrimarySelector(),
		Success:          execErr == nil,
		TealiumEvents:    capture.Events,
		VendorsInNetwork: capture.Vendors,
		Beacons:          capture.Beacons,
		PageCalls:        capture.PageCalls,
	}
	if execErr != nil {
		reason := execErr.Error()
		result.Error = &reason
	}
	return result
}

// loadPage navigates and sits out the post-load wait, recording the URLs
// requested along the way. A slow or failed load is not fatal; the actions
// will tell.
func (o *Orchestrator) loadPage(ctx context.Context, sess schemas.BrowserSession, url string) []string {
	var mu sync.Mutex
	var urls []string
	detach := sess.ListenNetwork(func(req schemas.NetworkRequest) {
		mu.Lock()
		urls = append(urls, req.URL)
		mu.Unlock()
	})
	defer detach()

	navCtx, cancel := context.WithTimeout(ctx, o.cfg.Browser.NavigationTimeout)
	err := sess.Navigate(navCtx, url)
	cancel()
	if err != nil {
		o.logger.Warn("Navigation did not complete; continuing best-effort.",
			zap.String("url", url), zap.Error(err))
	}

	if wait := o.cfg.Browser.PostLoadWait; wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(urls))
	copy(out, urls)
	return out
}

// collectPageInfo snapshots the page's tag stack and the events fired
// during load. Failures cost the report its page_info block, nothing more.
func (o *Orchestrator) collectPageInfo(ctx context.Context, sess schemas.BrowserSession, pageURL string, loadURLs []string, report *schemas.AnalysisReport) {
	info, err := sess.DetectTags(ctx)
	if err != nil {
		o.logger.Warn("Tag detection failed; continuing without page info.", zap.Error(err))
	} else {
		info.VendorsByCategory = o.classifier.CategorizePage(info)
		info.OtherThirdParties = o.classifier.UnmatchedThirdParties(pageURL, loadURLs)
		report.PageInfo = info
	}

	capture, err := sess.DrainTracking(ctx)
	if err != nil {
		o.logger.Warn("Load event drain failed.", zap.Error(err))
		return
	}
	report.LoadEvents = capture.TealiumEvents
	if len(capture.TealiumEvents) > 0 {
		o.logger.Info("Captured load events.", zap.Int("count", len(capture.TealiumEvents)))
	}
}

// fail terminates the run, preserving everything recorded so far.
func (o *Orchestrator) fail(report *schemas.AnalysisReport, err error) (*schemas.AnalysisReport, error) {
	report.Error = err.Error()
	report.Finalize()
	o.transition(StateError)
	o.publish(schemas.StatusError, err.Error(), map[string]interface{}{"run_id": report.RunID})
	o.logger.Error("Run aborted.", zap.String("run_id", report.RunID), zap.Error(err))
	return report, err
}

// asSessionLoss wraps err as a session loss when the session is dead;
// otherwise err passes through unchanged.
func (o *Orchestrator) asSessionLoss(sess schemas.BrowserSession, err error) error {
	if !sess.Alive() {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return err
}
