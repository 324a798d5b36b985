// internal/browser/overlay.go
package browser

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// overlayClickTimeout bounds each dismissal click so a wedged banner cannot
// stall the run.
const overlayClickTimeout = 2 * time.Second

// OverlaySurface is the slice of a browser session overlay dismissal needs.
type OverlaySurface interface {
	EvaluateInto(ctx context.Context, script string, out interface{}) error
	Click(ctx context.Context, selector string) error
}

// DismissOverlays clicks every configured overlay selector that is currently
// visible and returns how many were dismissed. One pass, no retry loop: a
// banner that survives its click surfaces through the caller's
// covered-element check instead.
func DismissOverlays(ctx context.Context, sess OverlaySurface, selectors []string, logger *zap.Logger) int {
	dismissed := 0
	for _, selector := range selectors {
		var visible bool
		if err := sess.EvaluateInto(ctx, overlayVisibleScript(selector), &visible); err != nil {
			logger.Debug("Overlay visibility check failed.",
				zap.String("selector", selector), zap.Error(err))
			continue
		}
		if !visible {
			continue
		}

		clickCtx, cancel := context.WithTimeout(ctx, overlayClickTimeout)
		err := sess.Click(clickCtx, selector)
		cancel()
		if err != nil {
			logger.Debug("Overlay dismissal click failed.",
				zap.String("selector", selector), zap.Error(err))
			continue
		}

		logger.Info("Dismissed overlay.", zap.String("selector", selector))
		dismissed++
	}
	return dismissed
}
