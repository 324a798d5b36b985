// Package executor drives the click on a resolved element. It scrolls the
// element into view when needed, clears covering overlays once, waits until
// the element is clickable, and dispatches the click. It never waits for the
// click's side effects; observing those is the correlator's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/browser"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/resolver"
)

// clickablePollInterval is how often the covered-element check reruns while
// waiting for the target to become clickable.
const clickablePollInterval = 100 * time.Millisecond

// Stages of click execution, recorded on Failure so reports can say where a
// click died.
const (
	StageScroll = "scroll"
	StageWait   = "wait"
	StageClick  = "click"
)

// Page is the slice of a browser session click execution needs.
type Page interface {
	ScrollIntoView(ctx context.Context, selector string) error
	IsCovered(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	EvaluateInto(ctx context.Context, script string, out interface{}) error
}

// Failure describes a click that could not be completed. A failed click is
// not fatal to a run: the caller reports it on the action and moves on.
type Failure struct {
	// Stage is the execution stage that failed: StageScroll, StageWait,
	// or StageClick.
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("click execution failed during %s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Executor performs clicks on resolved elements.
type Executor struct {
	overlaySelectors []string
	elementWait      time.Duration
	clickTimeout     time.Duration
	logger           *zap.Logger
}

// New builds an Executor from the analysis configuration.
func New(cfg config.AnalysisConfig, logger *zap.Logger) *Executor {
	return &Executor{
		overlaySelectors: cfg.OverlaySelectors,
		elementWait:      cfg.ElementWait,
		clickTimeout:     cfg.ClickTimeout,
		logger:           logger.Named("executor"),
	}
}

// ExecuteClick clicks the resolved element. Pre-conditions run in a fixed
// order: scroll into view if the element sits outside the viewport, one
// overlay-dismissal pass if its center is covered, then a bounded wait for
// the element to be attached and uncovered. The dismissal pass is never
// retried; a covering element that survives it fails the wait instead.
//
// A nil return means the click was dispatched. It says nothing about what
// the page did with it. Context cancellation is returned as the context's
// error; every other failure is a *Failure.
func (e *Executor) ExecuteClick(ctx context.Context, el *resolver.ResolvedElement, page Page) error {
	selector := el.Selector()

	if !el.Probe.InViewport {
		if err := page.ScrollIntoView(ctx, selector); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &Failure{Stage: StageScroll, Err: err}
		}
		e.logger.Debug("Scrolled element into view.", zap.String("selector", selector))
	}

	if len(e.overlaySelectors) > 0 {
		covered, err := page.IsCovered(ctx, selector)
		if err == nil && covered {
			dismissed := browser.DismissOverlays(ctx, page, e.overlaySelectors, e.logger)
			e.logger.Debug("Overlay dismissal pass finished.",
				zap.String("selector", selector), zap.Int("dismissed", dismissed))
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.elementWait)
	err := e.awaitClickable(waitCtx, page, selector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Failure{Stage: StageWait, Err: err}
	}

	clickCtx, cancel := context.WithTimeout(ctx, e.clickTimeout)
	err = page.Click(clickCtx, selector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Failure{Stage: StageClick, Err: err}
	}

	e.logger.Info("Clicked element.",
		zap.String("selector", selector), zap.String("strategy", el.Strategy))
	return nil
}

// awaitClickable polls until the element is attached and uncovered or the
// context expires. The first check runs immediately so a clean element costs
// one round trip.
func (e *Executor) awaitClickable(ctx context.Context, page Page, selector string) error {
	ticker := time.NewTicker(clickablePollInterval)
	defer ticker.Stop()

	var last error
	for {
		covered, err := page.IsCovered(ctx, selector)
		switch {
		case err == nil && !covered:
			return nil
		case err != nil:
			// The probe query failing means the tagged element is gone
			// from the document.
			last = fmt.Errorf("element not reachable: %w", err)
		default:
			last = errors.New("element still covered")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s", last, e.elementWait)
		case <-ticker.C:
		}
	}
}
