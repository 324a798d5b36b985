// internal/resolver/resolver.go
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

// PageQuerier is the slice of the browser session the resolver needs:
// the element probes. Each probe tags its candidates with a temporary
// attribute, so a returned handle stays addressable until the next query
// on the same session.
type PageQuerier interface {
	QueryCSS(ctx context.Context, selector string) ([]schemas.ElementProbe, error)
	QueryScopedCSS(ctx context.Context, containerSelector, selector string) ([]schemas.ElementProbe, error)
	QueryText(ctx context.Context, text string, interactiveOnly bool) ([]schemas.ElementProbe, error)
	QueryRole(ctx context.Context, role, name string) ([]schemas.ElementProbe, error)
	QueryHref(ctx context.Context, pattern string) ([]schemas.ElementProbe, error)
	QueryXPath(ctx context.Context, expression string) ([]schemas.ElementProbe, error)
}

// ResolvedElement is the handle the executor acts on: the winning probe,
// addressable through its temporary attribute selector, plus the full
// attempt trail that led to it.
type ResolvedElement struct {
	Probe    schemas.ElementProbe
	Strategy string
	Attempts []schemas.SelectorAttempt
}

// Selector returns the temp-attribute CSS selector for the element.
func (r *ResolvedElement) Selector() string {
	return r.Probe.Selector()
}

// Failure reports an exhausted cascade. It is recorded on the action
// result and the run continues; it never aborts an analysis.
type Failure struct {
	Attempts []schemas.SelectorAttempt
	Reason   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("selector resolution failed after %d attempts: %s", len(f.Attempts), f.Reason)
}

// Resolver walks the strategy cascade in fixed priority order. Strategies
// are ordered from the fastest, most change-brittle descriptor to the
// slowest, most structure-brittle one.
type Resolver struct {
	strategies []Strategy
	logger     *zap.Logger
}

// New builds a resolver with the default cascade: css, scoped_css, text,
// role, href, xpath.
func New(cfg config.AnalysisConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		strategies: []Strategy{
			cssStrategy{},
			scopedCSSStrategy{containers: cfg.ExpandedContainers},
			textStrategy{},
			roleStrategy{},
			hrefStrategy{},
			xpathStrategy{},
		},
		logger: logger.Named("resolver"),
	}
}

// Resolve maps a locator bundle to exactly one live element, or fails
// with the attempt trail. Strategy errors (an invalid recorded selector,
// an evaluation error) fail that strategy and the cascade moves on; only
// context cancellation aborts resolution itself.
func (r *Resolver) Resolve(ctx context.Context, bundle schemas.LocatorBundle, page PageQuerier) (*ResolvedElement, error) {
	attempts := make([]schemas.SelectorAttempt, 0, len(r.strategies))

	for _, strat := range r.strategies {
		cand, attempt, err := strat.Attempt(ctx, bundle, page)
		if errors.Is(err, errSkip) {
			r.logger.Debug("Strategy skipped; no usable bundle field.",
				zap.String("strategy", strat.Name()))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Strategy attempt errored; continuing cascade.",
				zap.String("strategy", strat.Name()),
				zap.String("selector", attempt.SelectorUsed),
				zap.Error(err))
			attempts = append(attempts, attempt)
			continue
		}

		attempts = append(attempts, attempt)
		r.logger.Debug("Selector attempt.",
			zap.String("strategy", attempt.StrategyName),
			zap.String("selector", attempt.SelectorUsed),
			zap.Bool("found", attempt.Found),
			zap.Bool("visible", attempt.Visible))

		if cand == nil {
			// Visible matches with no winner means the strategy matched
			// several off-screen elements it cannot disambiguate.
			if attempt.Visible {
				r.logger.Warn("Ambiguous match; continuing cascade.",
					zap.String("strategy", strat.Name()),
					zap.String("selector", attempt.SelectorUsed))
			}
			continue
		}

		r.logger.Info("Element resolved.",
			zap.String("strategy", strat.Name()),
			zap.String("selector", attempt.SelectorUsed),
			zap.String("temp_id", cand.Probe.TempID),
			zap.Int("attempts", len(attempts)))
		return &ResolvedElement{
			Probe:    cand.Probe,
			Strategy: strat.Name(),
			Attempts: attempts,
		}, nil
	}

	r.logger.Warn("All strategies exhausted.",
		zap.Int("attempts", len(attempts)))
	return nil, &Failure{
		Attempts: attempts,
		Reason:   "no strategy produced a unique visible match",
	}
}
